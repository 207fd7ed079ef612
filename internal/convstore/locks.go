package convstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"repliesengine/internal/logging"
)

// LockStatus is the outcome of a lock acquisition.
type LockStatus string

const (
	LockAcquired  LockStatus = "ACQUIRED"
	LockExists    LockStatus = "EXISTS"
	LockTransient LockStatus = "DB_TRANSIENT_ERROR"
	LockError     LockStatus = "DB_ERROR"
)

// Transient reports whether the acquisition should be retried.
func (s LockStatus) Transient() bool { return s == LockTransient }

// AcquireTriggerLock claims the batch-scheduling right for a conversation.
// The put succeeds only when no lock row exists: the winner enqueues the
// delayed trigger, everyone else just stages their fragment.
func (s *Store) AcquireTriggerLock(ctx context.Context, conversationID string) LockStatus {
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.TriggerLock),
		Item: map[string]ddbtypes.AttributeValue{
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
			"expires_at":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(s.expiry(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(conversation_id)"),
	})
	if err == nil {
		return LockAcquired
	}
	if conditionFailed(err) {
		return LockExists
	}
	logging.Log.WithError(err).WithField("conversation_id", conversationID).Error("trigger lock write failed")
	if classify(err) == KindTransient {
		return LockTransient
	}
	return LockError
}

// DeleteTriggerLock removes the trigger-lock row, closing the batch window.
// Deleting an absent row succeeds.
func (s *Store) DeleteTriggerLock(ctx context.Context, conversationID string) error {
	if _, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.TriggerLock),
		Key: map[string]ddbtypes.AttributeValue{
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
	}); err != nil {
		return fmt.Errorf("delete trigger lock for %s: %w", conversationID, err)
	}
	return nil
}

// AcquireProcessingLock marks the conversation as being processed. The
// conditional update is the system's only mutual-exclusion primitive: it
// fails when another worker already holds the row.
func (s *Store) AcquireProcessingLock(ctx context.Context, primaryChannel, conversationID string) LockStatus {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Conversations),
		Key: map[string]ddbtypes.AttributeValue{
			"primary_channel": &ddbtypes.AttributeValueMemberS{Value: primaryChannel},
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
		UpdateExpression:    aws.String("SET conversation_status = :proc"),
		ConditionExpression: aws.String("attribute_not_exists(conversation_status) OR conversation_status <> :proc"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":proc": &ddbtypes.AttributeValueMemberS{Value: StatusProcessingReply},
		},
	})
	if err == nil {
		return LockAcquired
	}
	if conditionFailed(err) {
		return LockExists
	}
	logging.Log.WithError(err).WithFields(map[string]interface{}{
		"primary_channel": primaryChannel,
		"conversation_id": conversationID,
	}).Error("processing lock acquisition failed")
	if classify(err) == KindTransient {
		return LockTransient
	}
	return LockError
}

// ReleaseLockForRetry moves a locked conversation to "retry" after a
// pre-commit failure, so the broker's redelivery can take a fresh lock.
func (s *Store) ReleaseLockForRetry(ctx context.Context, primaryChannel, conversationID string) error {
	if _, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Conversations),
		Key: map[string]ddbtypes.AttributeValue{
			"primary_channel": &ddbtypes.AttributeValueMemberS{Value: primaryChannel},
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
		UpdateExpression: aws.String("SET conversation_status = :retry, updated_at = :ts"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":retry": &ddbtypes.AttributeValueMemberS{Value: StatusRetry},
			":ts":    &ddbtypes.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	}); err != nil {
		return fmt.Errorf("release lock for %s/%s: %w", primaryChannel, conversationID, err)
	}
	return nil
}
