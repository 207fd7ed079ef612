package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	"repliesengine/internal/awsconn"
	"repliesengine/internal/config"
	"repliesengine/internal/logging"
)

// Status is the outcome of a secret fetch.
type Status string

const (
	StatusSuccess      Status = "SUCCESS"
	StatusNotFound     Status = "NOT_FOUND"
	StatusTransient    Status = "TRANSIENT_ERROR"
	StatusPermanent    Status = "PERMANENT_ERROR"
	StatusInvalidInput Status = "INVALID_INPUT"
)

// Transient reports whether the fetch should be retried.
func (s Status) Transient() bool { return s == StatusTransient }

// AICredentials is the assistant secret shape.
type AICredentials struct {
	APIKey string `json:"ai_api_key"`
}

// ProviderCredentials is the messaging-provider secret shape.
type ProviderCredentials struct {
	AccountSID string `json:"twilio_account_sid"`
	AuthToken  string `json:"twilio_auth_token"`
}

// SecretsAPI is the slice of the Secrets Manager client the fetcher uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Fetcher resolves secret references to typed credential bundles.
type Fetcher struct {
	api SecretsAPI
}

// New wraps an existing API client.
func New(api SecretsAPI) *Fetcher { return &Fetcher{api: api} }

// NewFetcher builds a Secrets Manager backed Fetcher from the ambient AWS
// configuration.
func NewFetcher(ctx context.Context, cfg config.Config) (*Fetcher, error) {
	awsCfg, err := awsconn.Load(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("secret fetcher: %w", err)
	}
	smOpts := []func(*secretsmanager.Options){}
	if cfg.AWSEndpoint != "" {
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		})
	}
	return &Fetcher{api: secretsmanager.NewFromConfig(awsCfg, smOpts...)}, nil
}

// fetchJSON retrieves a secret string and decodes it into out.
func (f *Fetcher) fetchJSON(ctx context.Context, ref string, out interface{}) Status {
	if ref == "" {
		return StatusInvalidInput
	}
	resp, err := f.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return classify(ref, err)
	}
	if resp.SecretString == nil {
		logging.Log.WithField("secret", ref).Error("secret has no string payload")
		return StatusPermanent
	}
	if err := json.Unmarshal([]byte(*resp.SecretString), out); err != nil {
		logging.Log.WithError(err).WithField("secret", ref).Error("secret payload is not valid JSON")
		return StatusPermanent
	}
	return StatusSuccess
}

// FetchAI resolves the assistant credential bundle.
func (f *Fetcher) FetchAI(ctx context.Context, ref string) (AICredentials, Status) {
	var creds AICredentials
	status := f.fetchJSON(ctx, ref, &creds)
	if status == StatusSuccess && creds.APIKey == "" {
		logging.Log.WithField("secret", ref).Error("assistant secret is missing ai_api_key")
		return AICredentials{}, StatusPermanent
	}
	return creds, status
}

// FetchProvider resolves the messaging-provider credential bundle.
func (f *Fetcher) FetchProvider(ctx context.Context, ref string) (ProviderCredentials, Status) {
	var creds ProviderCredentials
	status := f.fetchJSON(ctx, ref, &creds)
	if status == StatusSuccess && (creds.AccountSID == "" || creds.AuthToken == "") {
		logging.Log.WithField("secret", ref).Error("provider secret is missing account sid or auth token")
		return ProviderCredentials{}, StatusPermanent
	}
	return creds, status
}

func classify(ref string, err error) Status {
	var notFound *smtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		logging.Log.WithField("secret", ref).Error("secret not found")
		return StatusNotFound
	}
	var internal *smtypes.InternalServiceError
	if errors.As(err, &internal) {
		logging.Log.WithError(err).WithField("secret", ref).Warn("transient secret fetch failure")
		return StatusTransient
	}
	var (
		decrypt    *smtypes.DecryptionFailure
		badParam   *smtypes.InvalidParameterException
		badRequest *smtypes.InvalidRequestException
	)
	if errors.As(err, &decrypt) || errors.As(err, &badParam) || errors.As(err, &badRequest) {
		logging.Log.WithError(err).WithField("secret", ref).Error("permanent secret fetch failure")
		return StatusPermanent
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable":
			return StatusTransient
		}
	}
	logging.Log.WithError(err).WithField("secret", ref).Error("secret fetch failed")
	return StatusPermanent
}
