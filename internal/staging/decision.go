package staging

import (
	"encoding/json"
	"fmt"
	"strings"

	"repliesengine/internal/logging"
)

// Decision is Stage A's transport-neutral outcome. The HTTP adapter maps
// Ack decisions to their response bodies and Retry decisions to a 5xx so
// the provider redelivers.
type Decision struct {
	Retry       bool
	RetryReason string

	Status      int
	ContentType string
	Body        string
}

const (
	contentTypeXML  = "text/xml"
	contentTypeJSON = "application/json"

	emptyTwiML = "<?xml version='1.0' encoding='UTF-8'?><Response></Response>"

	lockedMessage = "I'm processing your previous message. Please wait for my response before sending more."
)

// ackTwiML is the canonical telephony success: 200 with an empty TwiML
// document.
func ackTwiML() Decision {
	return Decision{Status: 200, ContentType: contentTypeXML, Body: emptyTwiML}
}

func twimlMessage(message string) Decision {
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(message)
	return Decision{
		Status:      200,
		ContentType: contentTypeXML,
		Body:        fmt.Sprintf("<?xml version='1.0' encoding='UTF-8'?><Response><Message>%s</Message></Response>", escaped),
	}
}

func ackJSON(message string) Decision {
	body, _ := json.Marshal(map[string]string{"status": "success", "message": message})
	return Decision{Status: 200, ContentType: contentTypeJSON, Body: string(body)}
}

func retry(code, message string) Decision {
	return Decision{Retry: true, RetryReason: code + ": " + message}
}

// transientCodes are the only error codes allowed to surface as a 5xx on
// telephony channels; everything else is swallowed into 200 TwiML to keep
// the provider from retrying.
var transientCodes = map[string]bool{
	"DB_TRANSIENT_ERROR":           true,
	"STAGE_DB_TRANSIENT_ERROR":     true,
	"TRIGGER_DB_TRANSIENT_ERROR":   true,
	"SQS_TRANSIENT_ERROR":          true,
	"SECRET_FETCH_TRANSIENT_ERROR": true,
}

// jsonStatusCodes maps error codes to HTTP statuses for channels with JSON
// responses.
var jsonStatusCodes = map[string]int{
	"PARSING_ERROR":          400,
	"MISSING_REQUIRED_FIELD": 400,
	"VALIDATION_FAILED":      400,
	"NOT_FOUND":              404,
	"CONVERSATION_NOT_FOUND": 404,
	"PROJECT_INACTIVE":       403,
	"CHANNEL_NOT_ALLOWED":    403,
	"CONVERSATION_LOCKED":    409,
	"INVALID_SIGNATURE":      403,
}

func telephony(channel string) bool { return channel == "whatsapp" || channel == "sms" }

// errorDecision is the single mapping from a classified error to a
// transport decision (spec'd per channel: telephony suppresses provider
// retries with 200 TwiML except for the transient set; JSON channels get
// structured bodies).
func errorDecision(channel, code, message string) Decision {
	logging.Log.WithFields(map[string]interface{}{
		"channel":    channel,
		"error_code": code,
	}).Warn(message)

	if telephony(channel) {
		if transientCodes[code] {
			return retry(code, message)
		}
		switch code {
		case "CONVERSATION_LOCKED":
			return twimlMessage(lockedMessage)
		case "INVALID_SIGNATURE":
			// Anti-oracle: an attacker probing signatures sees the same
			// empty ack as a valid request.
			logging.Log.WithField("channel", channel).Error("invalid provider signature")
			return ackTwiML()
		}
		return ackTwiML()
	}

	if transientCodes[code] {
		return retry(code, message)
	}
	status, ok := jsonStatusCodes[code]
	if !ok {
		status = 500
	}
	body, _ := json.Marshal(map[string]string{
		"status":     "error",
		"error_code": code,
		"message":    message,
	})
	return Decision{Status: status, ContentType: contentTypeJSON, Body: string(body)}
}
