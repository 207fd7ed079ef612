package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Parse errors. The transport layer maps all of them to the channel's
// generic parsing failure.
var (
	ErrUnknownPath        = errors.New("unknown webhook path")
	ErrMissingBody        = errors.New("missing request body")
	ErrMalformedBody      = errors.New("malformed request body")
	ErrMissingHost        = errors.New("missing host header")
	ErrMissingIdentifiers = errors.New("missing essential identifiers")
)

// ParsedRequest is the normalized form of an inbound provider webhook.
type ParsedRequest struct {
	Channel      string
	Signature    string
	CanonicalURL string
	// BodyParams holds the decoded form fields for telephony channels;
	// signature verification recomputes the provider HMAC over them.
	BodyParams map[string]string
	// RawBody is kept for JSON-body signature verification.
	RawBody []byte

	From       string
	To         string
	MessageSID string
	AccountSID string
	Body       string

	// ProvisionalConversationID is derived from the participants for
	// logging before the authoritative id is resolved from the store.
	ProvisionalConversationID string
}

// RequestMeta carries the transport facts Parse needs alongside the body.
type RequestMeta struct {
	Path      string
	Host      string
	Signature string
	// Stage is an optional path segment between host and route, matching
	// the public URL the provider signs when the service runs behind a
	// gateway stage.
	Stage string
}

// ChannelFromPath maps the request path to a channel name, or "".
func ChannelFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, "/whatsapp"):
		return "whatsapp"
	case strings.HasSuffix(path, "/sms"):
		return "sms"
	case strings.HasSuffix(path, "/email"):
		return "email"
	}
	return ""
}

// Parse normalizes an inbound webhook. Telephony channels carry
// form-urlencoded bodies, email carries JSON. The canonical URL is
// reconstructed exactly as the provider signed it.
func Parse(meta RequestMeta, rawBody []byte) (*ParsedRequest, error) {
	channel := ChannelFromPath(meta.Path)
	if channel == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, meta.Path)
	}

	canonical, err := canonicalURL(meta)
	if err != nil {
		return nil, err
	}

	req := &ParsedRequest{
		Channel:      channel,
		Signature:    meta.Signature,
		CanonicalURL: canonical,
		RawBody:      rawBody,
	}

	if len(rawBody) == 0 {
		return nil, ErrMissingBody
	}

	switch channel {
	case "whatsapp", "sms":
		values, err := url.ParseQuery(string(rawBody))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		params := make(map[string]string, len(values))
		for k, v := range values {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		req.BodyParams = params
		req.From = params["From"]
		req.To = params["To"]
		req.MessageSID = params["MessageSid"]
		req.AccountSID = params["AccountSid"]
		req.Body = params["Body"]
		req.ProvisionalConversationID = provisionalTelephonyID(req.From, req.To)
	case "email":
		var payload struct {
			FromAddress string `json:"from_address"`
			ToAddress   string `json:"to_address"`
			MessageSID  string `json:"message_sid"`
			Body        string `json:"body"`
		}
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		req.From = payload.FromAddress
		req.To = payload.ToAddress
		req.MessageSID = payload.MessageSID
		req.Body = payload.Body
		if payload.FromAddress != "" && payload.ToAddress != "" {
			req.ProvisionalConversationID = fmt.Sprintf("conv_%s_%s", payload.FromAddress, payload.ToAddress)
		}
	}

	if req.From == "" || req.To == "" || req.MessageSID == "" || req.Body == "" || req.ProvisionalConversationID == "" {
		return nil, ErrMissingIdentifiers
	}
	return req, nil
}

// canonicalURL rebuilds the URL string the provider used as signature
// input: https scheme, host with standard port elided, optional stage
// segment, then the route path.
func canonicalURL(meta RequestMeta) (string, error) {
	host := strings.TrimSpace(meta.Host)
	if host == "" {
		return "", ErrMissingHost
	}
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(host)
	if stage := strings.Trim(meta.Stage, "/"); stage != "" {
		b.WriteString("/")
		b.WriteString(stage)
	}
	b.WriteString(meta.Path)
	return b.String(), nil
}

// provisionalTelephonyID derives a stable conversation id from the two
// phone numbers, ignoring channel prefixes and ordering.
func provisionalTelephonyID(from, to string) string {
	fromPart := lastColonPart(from)
	toPart := lastColonPart(to)
	if fromPart == "" || toPart == "" {
		return ""
	}
	parts := []string{fromPart, toPart}
	sort.Strings(parts)
	return "conv_" + strings.Join(parts, "_")
}

func lastColonPart(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}
