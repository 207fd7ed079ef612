package convstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"repliesengine/internal/logging"
)

// CommitStatus is the outcome of the final conditional update.
type CommitStatus string

const (
	CommitSuccess CommitStatus = "SUCCESS"
	// CommitLockLost means the condition failed: another writer moved the
	// status while we were processing. The reply was already sent, so the
	// caller must not retry.
	CommitLockLost CommitStatus = "LOCK_LOST"
	CommitError    CommitStatus = "DB_ERROR"
)

// CommitInput carries everything the final update writes.
type CommitInput struct {
	PrimaryChannel string
	ConversationID string
	UserTurn       MessageTurn
	AssistantTurn  MessageTurn
	Status         string

	ProcessingTimeMS     *int64
	TaskComplete         *int
	HandOffToHuman       *bool
	HandOffToHumanReason *string
	// ThreadID, when non-empty, overwrites the conversation's thread_id.
	// The Stage B worker leaves it empty: the assistant adapter reports no
	// thread handle.
	ThreadID string
}

// CommitReply appends the merged user turn and the assistant turn to the
// conversation history in a single update, conditioned on the processing
// lock still being held. Success releases the lock by moving the status.
func (s *Store) CommitReply(ctx context.Context, in CommitInput) CommitStatus {
	turns, err := attributevalue.MarshalList([]MessageTurn{in.UserTurn, in.AssistantTurn})
	if err != nil {
		logging.Log.WithError(err).WithField("conversation_id", in.ConversationID).Error("commit marshal failed")
		return CommitError
	}

	parts := []string{
		"#status = :new_status",
		"#updated = :ts",
		"#msgs = list_append(if_not_exists(#msgs, :empty), :new_msgs)",
	}
	names := map[string]string{
		"#status":  "conversation_status",
		"#updated": "updated_at",
		"#msgs":    "messages",
	}
	values := map[string]ddbtypes.AttributeValue{
		":new_status": &ddbtypes.AttributeValueMemberS{Value: in.Status},
		":ts":         &ddbtypes.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		":new_msgs":   &ddbtypes.AttributeValueMemberL{Value: turns},
		":empty":      &ddbtypes.AttributeValueMemberL{Value: []ddbtypes.AttributeValue{}},
		":lock":       &ddbtypes.AttributeValueMemberS{Value: StatusProcessingReply},
	}

	if in.ThreadID != "" {
		parts = append(parts, "#tid = :tid")
		names["#tid"] = "thread_id"
		values[":tid"] = &ddbtypes.AttributeValueMemberS{Value: in.ThreadID}
	}
	if in.ProcessingTimeMS != nil {
		parts = append(parts, "#ptime = :ptime")
		names["#ptime"] = "initial_processing_time_ms"
		values[":ptime"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(*in.ProcessingTimeMS, 10)}
	}
	if in.TaskComplete != nil {
		parts = append(parts, "#task = :task")
		names["#task"] = "task_complete"
		values[":task"] = &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(*in.TaskComplete)}
	}
	if in.HandOffToHuman != nil {
		parts = append(parts, "#handoff = :handoff")
		names["#handoff"] = "hand_off_to_human"
		values[":handoff"] = &ddbtypes.AttributeValueMemberBOOL{Value: *in.HandOffToHuman}
	}
	if in.HandOffToHumanReason != nil {
		parts = append(parts, "#handoff_reason = :handoff_reason")
		names["#handoff_reason"] = "hand_off_to_human_reason"
		values[":handoff_reason"] = &ddbtypes.AttributeValueMemberS{Value: *in.HandOffToHumanReason}
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Conversations),
		Key: map[string]ddbtypes.AttributeValue{
			"primary_channel": &ddbtypes.AttributeValueMemberS{Value: in.PrimaryChannel},
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: in.ConversationID},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(parts, ", ")),
		ConditionExpression:       aws.String("#status = :lock"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              ddbtypes.ReturnValueNone,
	})
	if err == nil {
		return CommitSuccess
	}
	if conditionFailed(err) {
		logging.Log.WithField("conversation_id", in.ConversationID).Warn("final update lost the processing lock")
		return CommitLockLost
	}
	logging.Log.WithError(err).WithField("conversation_id", in.ConversationID).Error("final update failed")
	return CommitError
}
