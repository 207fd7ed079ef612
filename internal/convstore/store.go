package convstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"repliesengine/internal/awsconn"
	"repliesengine/internal/config"
)

// DynamoAPI is the slice of the DynamoDB client the store uses. Tests pass
// fakes.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Store provides typed operations over the three conversation tables.
type Store struct {
	db          DynamoAPI
	tables      config.TableConfig
	batchWindow time.Duration
	ttlBuffer   time.Duration
	now         func() time.Time
}

// New creates a Store over an existing DynamoDB client.
func New(db DynamoAPI, tables config.TableConfig, batchWindow, ttlBuffer time.Duration) *Store {
	return &Store{
		db:          db,
		tables:      tables,
		batchWindow: batchWindow,
		ttlBuffer:   ttlBuffer,
		now:         time.Now,
	}
}

// NewClient builds a DynamoDB client from the ambient AWS configuration,
// honoring the endpoint override for local stacks.
func NewClient(ctx context.Context, cfg config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconn.Load(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("table client: %w", err)
	}
	ddbOpts := []func(*dynamodb.Options){}
	if cfg.AWSEndpoint != "" {
		ddbOpts = append(ddbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		})
	}
	return dynamodb.NewFromConfig(awsCfg, ddbOpts...), nil
}

// expiry returns the TTL epoch for staging and trigger-lock rows.
func (s *Store) expiry() int64 {
	return s.now().Add(s.batchWindow + s.ttlBuffer).Unix()
}

// Kind classifies table errors into the domain categories upstream
// components act on.
type Kind int

const (
	KindOther Kind = iota
	KindTransient
	KindConfig
	KindValidation
)

// conditionFailed reports whether an error is a conditional-write failure.
func conditionFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify maps vendor errors to domain kinds: throttling and internal
// faults are transient, missing tables and denied access are configuration
// faults, malformed expressions are validation faults.
func classify(err error) Kind {
	var (
		throughput *ddbtypes.ProvisionedThroughputExceededException
		internal   *ddbtypes.InternalServerError
		reqLimit   *ddbtypes.RequestLimitExceeded
		notFound   *ddbtypes.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &internal), errors.As(err, &reqLimit):
		return KindTransient
	case errors.As(err, &notFound):
		return KindConfig
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable":
			return KindTransient
		case "AccessDeniedException", "AccessDenied":
			return KindConfig
		case "ValidationException":
			return KindValidation
		}
	}
	return KindOther
}
