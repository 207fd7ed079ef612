package webhook

import (
	twclient "github.com/twilio/twilio-go/client"
)

// VerifySignature checks the provider HMAC on a parsed request using the
// per-tenant shared secret. A missing signature header never verifies.
// Telephony channels sign the canonical URL plus the sorted form fields;
// JSON channels sign the canonical URL plus the raw body.
func VerifySignature(authToken string, req *ParsedRequest) bool {
	if req.Signature == "" || authToken == "" {
		return false
	}
	validator := twclient.NewRequestValidator(authToken)
	if req.Channel == "email" {
		return validator.ValidateBody(req.CanonicalURL, req.RawBody, req.Signature)
	}
	return validator.Validate(req.CanonicalURL, req.BodyParams, req.Signature)
}
