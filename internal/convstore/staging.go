package convstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"repliesengine/internal/logging"
)

// receivedAtLayout is fixed-width so received_at strings sort
// lexicographically in arrival order (RFC3339Nano drops trailing zeros,
// which breaks ordering within a second).
const receivedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// WriteStatus is the outcome of a staging write.
type WriteStatus string

const (
	WriteSuccess    WriteStatus = "SUCCESS"
	WriteTransient  WriteStatus = "STAGE_DB_TRANSIENT_ERROR"
	WriteConfig     WriteStatus = "STAGE_DB_CONFIG_ERROR"
	WriteValidation WriteStatus = "STAGE_DB_VALIDATION_ERROR"
	WriteError      WriteStatus = "STAGE_WRITE_ERROR"
)

// Transient reports whether the write should be retried by the provider.
func (s WriteStatus) Transient() bool { return s == WriteTransient }

// StageFragment parks one inbound fragment in the staging table. The write
// is keyed on (conversation_id, message_sid) so provider redeliveries of
// the same fragment overwrite in place.
func (s *Store) StageFragment(ctx context.Context, conversationID, messageSID, primaryChannel, body string) WriteStatus {
	now := s.now()
	frag := StagingFragment{
		ConversationID: conversationID,
		MessageSID:     messageSID,
		PrimaryChannel: primaryChannel,
		Body:           body,
		ReceivedAt:     now.UTC().Format(receivedAtLayout),
		ExpiresAt:      s.expiry(),
	}
	item, err := attributevalue.MarshalMap(frag)
	if err != nil {
		logging.Log.WithError(err).Error("staging fragment marshal failed")
		return WriteError
	}
	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Staging),
		Item:      item,
	}); err != nil {
		logging.Log.WithError(err).WithFields(map[string]interface{}{
			"conversation_id": conversationID,
			"message_sid":     messageSID,
		}).Error("staging write failed")
		switch classify(err) {
		case KindTransient:
			return WriteTransient
		case KindConfig:
			return WriteConfig
		case KindValidation:
			return WriteValidation
		}
		return WriteError
	}
	return WriteSuccess
}

// QueryStaging returns every staged fragment for the conversation using a
// strongly consistent read, so fragments written just before the trigger
// fired are always visible.
func (s *Store) QueryStaging(ctx context.Context, conversationID string) ([]StagingFragment, error) {
	var fragments []StagingFragment
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tables.Staging),
			KeyConditionExpression: aws.String("conversation_id = :cid"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":cid": &ddbtypes.AttributeValueMemberS{Value: conversationID},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query staging for %s: %w", conversationID, err)
		}
		var page []StagingFragment
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal staging rows for %s: %w", conversationID, err)
		}
		fragments = append(fragments, page...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return fragments, nil
}

// batchWriteLimit is the table service's cap on requests per batch write.
const batchWriteLimit = 25

// DeleteStaging removes consumed staging rows in batches. Failures are
// returned for logging only; TTL is the safety net.
func (s *Store) DeleteStaging(ctx context.Context, keys []StagingKey) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := start + batchWriteLimit
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]ddbtypes.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, ddbtypes.WriteRequest{
				DeleteRequest: &ddbtypes.DeleteRequest{
					Key: map[string]ddbtypes.AttributeValue{
						"conversation_id": &ddbtypes.AttributeValueMemberS{Value: key.ConversationID},
						"message_sid":     &ddbtypes.AttributeValueMemberS{Value: key.MessageSID},
					},
				},
			})
		}
		out, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{
				s.tables.Staging: requests,
			},
		})
		if err != nil {
			return fmt.Errorf("batch delete staging rows: %w", err)
		}
		if unprocessed := out.UnprocessedItems[s.tables.Staging]; len(unprocessed) > 0 {
			logging.Log.WithField("count", len(unprocessed)).Warn("staging cleanup left unprocessed deletes; TTL will reap them")
		}
	}
	return nil
}
