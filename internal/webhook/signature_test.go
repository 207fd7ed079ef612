package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// signTelephony computes the provider's documented HMAC: SHA1 over the
// canonical URL followed by the sorted form keys and values, base64.
func signTelephony(authToken, canonicalURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := canonicalURL
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	params := map[string]string{
		"From":       "whatsapp:+447700900000",
		"To":         "whatsapp:+447700900111",
		"Body":       "Hi",
		"MessageSid": "SM1",
	}
	req := &ParsedRequest{
		Channel:      "whatsapp",
		CanonicalURL: "https://api.example.com/whatsapp",
		BodyParams:   params,
	}
	req.Signature = signTelephony("token", req.CanonicalURL, params)

	require.True(t, VerifySignature("token", req))
}

func TestVerifySignatureRejects(t *testing.T) {
	params := map[string]string{"Body": "Hi"}
	base := ParsedRequest{
		Channel:      "whatsapp",
		CanonicalURL: "https://api.example.com/whatsapp",
		BodyParams:   params,
	}

	t.Run("missing signature", func(t *testing.T) {
		req := base
		require.False(t, VerifySignature("token", &req))
	})
	t.Run("wrong signature", func(t *testing.T) {
		req := base
		req.Signature = "bm90LXRoZS1yaWdodC1zaWduYXR1cmU="
		require.False(t, VerifySignature("token", &req))
	})
	t.Run("wrong token", func(t *testing.T) {
		req := base
		req.Signature = signTelephony("other-token", req.CanonicalURL, params)
		require.False(t, VerifySignature("token", &req))
	})
	t.Run("empty token", func(t *testing.T) {
		req := base
		req.Signature = signTelephony("token", req.CanonicalURL, params)
		require.False(t, VerifySignature("", &req))
	})
}
