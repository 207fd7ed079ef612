package webhook

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func whatsappBody(overrides map[string]string) []byte {
	values := url.Values{}
	values.Set("From", "whatsapp:+447700900000")
	values.Set("To", "whatsapp:+447700900111")
	values.Set("Body", "Hi")
	values.Set("MessageSid", "SM1")
	values.Set("AccountSid", "AC1")
	for k, v := range overrides {
		if v == "" {
			values.Del(k)
		} else {
			values.Set(k, v)
		}
	}
	return []byte(values.Encode())
}

func TestParseWhatsApp(t *testing.T) {
	meta := RequestMeta{
		Path:      "/whatsapp",
		Host:      "api.example.com",
		Signature: "sig",
	}

	req, err := Parse(meta, whatsappBody(nil))
	require.NoError(t, err)

	require.Equal(t, "whatsapp", req.Channel)
	require.Equal(t, "sig", req.Signature)
	require.Equal(t, "https://api.example.com/whatsapp", req.CanonicalURL)
	require.Equal(t, "whatsapp:+447700900000", req.From)
	require.Equal(t, "SM1", req.MessageSID)
	require.Equal(t, "Hi", req.Body)
	require.Equal(t, "conv_+447700900000_+447700900111", req.ProvisionalConversationID)
}

func TestParseProvisionalIDIgnoresOrder(t *testing.T) {
	meta := RequestMeta{Path: "/sms", Host: "api.example.com"}

	a, err := Parse(meta, whatsappBody(map[string]string{
		"From": "sms:+15550001111", "To": "sms:+15550002222",
	}))
	require.NoError(t, err)
	b, err := Parse(meta, whatsappBody(map[string]string{
		"From": "sms:+15550002222", "To": "sms:+15550001111",
	}))
	require.NoError(t, err)

	require.Equal(t, a.ProvisionalConversationID, b.ProvisionalConversationID)
}

func TestParseCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		meta RequestMeta
		want string
	}{
		{
			name: "standard port elided",
			meta: RequestMeta{Path: "/whatsapp", Host: "api.example.com:443"},
			want: "https://api.example.com/whatsapp",
		},
		{
			name: "non-standard port kept",
			meta: RequestMeta{Path: "/whatsapp", Host: "api.example.com:8443"},
			want: "https://api.example.com:8443/whatsapp",
		},
		{
			name: "stage segment inserted",
			meta: RequestMeta{Path: "/whatsapp", Host: "api.example.com", Stage: "prod"},
			want: "https://api.example.com/prod/whatsapp",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Parse(tc.meta, whatsappBody(nil))
			require.NoError(t, err)
			require.Equal(t, tc.want, req.CanonicalURL)
		})
	}
}

func TestParseEmail(t *testing.T) {
	meta := RequestMeta{Path: "/email", Host: "api.example.com"}
	body := []byte(`{"from_address":"user@example.com","to_address":"support@company.com","message_sid":"EM1","body":"Hello"}`)

	req, err := Parse(meta, body)
	require.NoError(t, err)

	require.Equal(t, "email", req.Channel)
	require.Equal(t, "EM1", req.MessageSID)
	require.Equal(t, "conv_user@example.com_support@company.com", req.ProvisionalConversationID)
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		meta    RequestMeta
		body    []byte
		wantErr error
	}{
		{
			name:    "unknown path",
			meta:    RequestMeta{Path: "/voice", Host: "h"},
			body:    whatsappBody(nil),
			wantErr: ErrUnknownPath,
		},
		{
			name:    "missing host",
			meta:    RequestMeta{Path: "/whatsapp"},
			body:    whatsappBody(nil),
			wantErr: ErrMissingHost,
		},
		{
			name:    "empty body",
			meta:    RequestMeta{Path: "/whatsapp", Host: "h"},
			body:    nil,
			wantErr: ErrMissingBody,
		},
		{
			name:    "missing message sid",
			meta:    RequestMeta{Path: "/whatsapp", Host: "h"},
			body:    whatsappBody(map[string]string{"MessageSid": ""}),
			wantErr: ErrMissingIdentifiers,
		},
		{
			name:    "missing body field",
			meta:    RequestMeta{Path: "/whatsapp", Host: "h"},
			body:    whatsappBody(map[string]string{"Body": ""}),
			wantErr: ErrMissingIdentifiers,
		},
		{
			name:    "malformed email json",
			meta:    RequestMeta{Path: "/email", Host: "h"},
			body:    []byte("{not json"),
			wantErr: ErrMalformedBody,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.meta, tc.body)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestChannelFromPath(t *testing.T) {
	require.Equal(t, "whatsapp", ChannelFromPath("/whatsapp"))
	require.Equal(t, "sms", ChannelFromPath("/prod/sms"))
	require.Equal(t, "email", ChannelFromPath("/email"))
	require.Equal(t, "", ChannelFromPath("/voice"))
}
