package twilio

import (
	"errors"
	"fmt"

	twiliosdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"repliesengine/internal/logging"
	"repliesengine/internal/secrets"
)

// Status classifies the outcome of an outbound send.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	// StatusTransient covers provider 5xx and transport failures.
	StatusTransient Status = "TRANSIENT_ERROR"
	// StatusNonTransient covers provider 4xx: bad numbers, auth,
	// permission. Retrying the same request cannot succeed.
	StatusNonTransient Status = "NON_TRANSIENT_ERROR"
	StatusInvalidInput Status = "INVALID_INPUT"
)

// SendResult is the provider's acknowledgment of an accepted message.
type SendResult struct {
	MessageSID string
	Body       string
}

// messageCreator is the slice of the provider client the sender uses.
type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// Sender submits outbound messages through the provider REST API.
type Sender struct {
	newClient func(creds secrets.ProviderCredentials) messageCreator
}

// NewSender builds a Sender backed by the provider SDK.
func NewSender() *Sender {
	return &Sender{
		newClient: func(creds secrets.ProviderCredentials) messageCreator {
			return twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
				Username: creds.AccountSID,
				Password: creds.AuthToken,
			}).Api
		},
	}
}

// Send submits body from the company sender to the recipient on the given
// channel. Channel-specific address formatting (the whatsapp: prefix) is
// applied here; callers pass bare identifiers.
func (s *Sender) Send(creds secrets.ProviderCredentials, channel, recipient, sender, body string) (SendResult, Status, error) {
	if creds.AccountSID == "" || creds.AuthToken == "" || recipient == "" || sender == "" || body == "" {
		return SendResult{}, StatusInvalidInput, errors.New("missing required send arguments")
	}

	to := formatAddress(channel, recipient)
	from := formatAddress(channel, sender)

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	msg, err := s.newClient(creds).CreateMessage(params)
	if err != nil {
		return SendResult{}, classify(err), fmt.Errorf("create message to %s: %w", to, err)
	}

	result := SendResult{}
	if msg.Sid != nil {
		result.MessageSID = *msg.Sid
	}
	if msg.Body != nil {
		result.Body = *msg.Body
	}
	if result.MessageSID == "" {
		return SendResult{}, StatusTransient, errors.New("provider accepted the message without a sid")
	}
	logging.Log.WithField("message_sid", result.MessageSID).Debug("provider accepted outbound message")
	return result, StatusSuccess, nil
}

func formatAddress(channel, id string) string {
	if channel == "whatsapp" {
		return "whatsapp:" + id
	}
	return id
}

// classify maps provider REST errors onto the retry policy: 4xx is
// permanent, 5xx and anything without an HTTP status is transient.
func classify(err error) Status {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 400 && restErr.Status < 500 {
			return StatusNonTransient
		}
		return StatusTransient
	}
	return StatusTransient
}
