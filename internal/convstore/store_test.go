package convstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"repliesengine/internal/config"
)

type fakeDB struct {
	queryFn  func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	getFn    func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putFn    func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateFn func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteFn func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	batchFn  func(*dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)

	queries []*dynamodb.QueryInput
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	batches []*dynamodb.BatchWriteItemInput
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.queryFn != nil {
		return f.queryFn(in)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getFn != nil {
		return f.getFn(in)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.putFn != nil {
		return f.putFn(in)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateFn != nil {
		return f.updateFn(in)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if f.deleteFn != nil {
		return f.deleteFn(in)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDB) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batches = append(f.batches, in)
	if f.batchFn != nil {
		return f.batchFn(in)
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

var testTables = config.TableConfig{
	Conversations: "conversations",
	Staging:       "conversations-stage",
	TriggerLock:   "conversations-trigger-lock",
}

func newTestStore(db *fakeDB) *Store {
	s := New(db, testTables, 10*time.Second, 60*time.Second)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func conditionalFailure() error {
	return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func marshalConversation(t *testing.T, conv Conversation) map[string]ddbtypes.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(conv)
	require.NoError(t, err)
	return item
}

func TestLookupCredentialRefStripsPrefixes(t *testing.T) {
	db := &fakeDB{
		queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				marshalConversation(t, Conversation{
					ConversationID: "conv-1",
					ChannelConfig:  ChannelConfig{WhatsAppCredentialsID: "secret/wa"},
				}),
			}}, nil
		},
	}
	store := newTestStore(db)

	result := store.LookupCredentialRef(context.Background(), "whatsapp", "whatsapp:+447700900000", "whatsapp:+447700900111")

	require.Equal(t, LookupFound, result.Status)
	require.Equal(t, "secret/wa", result.CredentialRef)
	require.Equal(t, "conv-1", result.ConversationID)

	in := db.queries[0]
	require.Equal(t, "company-whatsapp-number-recipient-tel-index", aws.ToString(in.IndexName))
	pk := in.ExpressionAttributeValues[":pk"].(*ddbtypes.AttributeValueMemberS)
	sk := in.ExpressionAttributeValues[":sk"].(*ddbtypes.AttributeValueMemberS)
	require.Equal(t, "+447700900111", pk.Value)
	require.Equal(t, "+447700900000", sk.Value)
}

func TestLookupCredentialRefPrefersOpenLatest(t *testing.T) {
	db := &fakeDB{
		queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				marshalConversation(t, Conversation{
					ConversationID: "closed-newest",
					TaskComplete:   1,
					CreatedAt:      "2025-05-30T00:00:00Z",
					ChannelConfig:  ChannelConfig{SMSCredentialsID: "secret/closed"},
				}),
				marshalConversation(t, Conversation{
					ConversationID: "open-old",
					CreatedAt:      "2025-05-01T00:00:00Z",
					ChannelConfig:  ChannelConfig{SMSCredentialsID: "secret/old"},
				}),
				marshalConversation(t, Conversation{
					ConversationID: "open-new",
					CreatedAt:      "2025-05-20T00:00:00Z",
					ChannelConfig:  ChannelConfig{SMSCredentialsID: "secret/new"},
				}),
			}}, nil
		},
	}
	store := newTestStore(db)

	result := store.LookupCredentialRef(context.Background(), "sms", "sms:+1", "sms:+2")

	require.Equal(t, LookupFound, result.Status)
	require.Equal(t, "open-new", result.ConversationID)
	require.Equal(t, "secret/new", result.CredentialRef)
}

func TestLookupCredentialRefStatuses(t *testing.T) {
	t.Run("unsupported channel", func(t *testing.T) {
		store := newTestStore(&fakeDB{})
		result := store.LookupCredentialRef(context.Background(), "fax", "a", "b")
		require.Equal(t, LookupUnsupportedChannel, result.Status)
	})

	t.Run("not found", func(t *testing.T) {
		store := newTestStore(&fakeDB{})
		result := store.LookupCredentialRef(context.Background(), "whatsapp", "a", "b")
		require.Equal(t, LookupNotFound, result.Status)
	})

	t.Run("missing credential config", func(t *testing.T) {
		db := &fakeDB{queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				marshalConversation(t, Conversation{ConversationID: "conv-1"}),
			}}, nil
		}}
		result := newTestStore(db).LookupCredentialRef(context.Background(), "whatsapp", "a", "b")
		require.Equal(t, LookupMissingConfig, result.Status)
		require.Equal(t, "conv-1", result.ConversationID)
	})

	t.Run("throughput exceeded is transient", func(t *testing.T) {
		db := &fakeDB{queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return nil, &ddbtypes.ProvisionedThroughputExceededException{}
		}}
		result := newTestStore(db).LookupCredentialRef(context.Background(), "whatsapp", "a", "b")
		require.Equal(t, LookupTransient, result.Status)
		require.True(t, result.Status.Transient())
	})

	t.Run("missing table is config", func(t *testing.T) {
		db := &fakeDB{queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			return nil, &ddbtypes.ResourceNotFoundException{}
		}}
		result := newTestStore(db).LookupCredentialRef(context.Background(), "whatsapp", "a", "b")
		require.Equal(t, LookupConfigErr, result.Status)
	})
}

func TestGetConversation(t *testing.T) {
	conv := Conversation{
		PrimaryChannel:     "+447700900000",
		ConversationID:     "conv-1",
		ProjectStatus:      "active",
		ConversationStatus: StatusActive,
		ThreadID:           "thread_abc",
	}
	db := &fakeDB{getFn: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		require.True(t, aws.ToBool(in.ConsistentRead))
		return &dynamodb.GetItemOutput{Item: marshalConversation(t, conv)}, nil
	}}
	store := newTestStore(db)

	got, status := store.GetConversation(context.Background(), "+447700900000", "conv-1")
	require.Equal(t, GetFound, status)
	require.Equal(t, "thread_abc", got.ThreadID)
	require.Equal(t, StatusActive, got.ConversationStatus)
}

func TestGetConversationNotFound(t *testing.T) {
	store := newTestStore(&fakeDB{})
	_, status := store.GetConversation(context.Background(), "p", "c")
	require.Equal(t, GetNotFound, status)
}

func TestStageFragmentWritesTTL(t *testing.T) {
	db := &fakeDB{}
	store := newTestStore(db)

	status := store.StageFragment(context.Background(), "conv-1", "SM1", "+447700900000", "Hi")
	require.Equal(t, WriteSuccess, status)

	item := db.puts[0].Item
	expires := item["expires_at"].(*ddbtypes.AttributeValueMemberN)
	// now + W (10s) + buffer (60s)
	require.Equal(t, "1748779270", expires.Value)
	require.Equal(t, "SM1", item["message_sid"].(*ddbtypes.AttributeValueMemberS).Value)
	require.Equal(t, "conv-1", item["conversation_id"].(*ddbtypes.AttributeValueMemberS).Value)
	// Fixed-width timestamp so staged rows sort by arrival.
	require.Equal(t, "2025-06-01T12:00:00.000000000Z", item["received_at"].(*ddbtypes.AttributeValueMemberS).Value)
}

func TestStageFragmentClassification(t *testing.T) {
	db := &fakeDB{putFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, &ddbtypes.InternalServerError{}
	}}
	status := newTestStore(db).StageFragment(context.Background(), "conv-1", "SM1", "p", "b")
	require.Equal(t, WriteTransient, status)
}

func TestAcquireTriggerLock(t *testing.T) {
	t.Run("acquired", func(t *testing.T) {
		db := &fakeDB{}
		status := newTestStore(db).AcquireTriggerLock(context.Background(), "conv-1")
		require.Equal(t, LockAcquired, status)
		require.Equal(t, "attribute_not_exists(conversation_id)", aws.ToString(db.puts[0].ConditionExpression))
	})

	t.Run("exists", func(t *testing.T) {
		db := &fakeDB{putFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailure()
		}}
		status := newTestStore(db).AcquireTriggerLock(context.Background(), "conv-1")
		require.Equal(t, LockExists, status)
	})

	t.Run("transient", func(t *testing.T) {
		db := &fakeDB{putFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &ddbtypes.ProvisionedThroughputExceededException{}
		}}
		status := newTestStore(db).AcquireTriggerLock(context.Background(), "conv-1")
		require.Equal(t, LockTransient, status)
	})
}

func TestAcquireProcessingLock(t *testing.T) {
	t.Run("acquired", func(t *testing.T) {
		db := &fakeDB{}
		status := newTestStore(db).AcquireProcessingLock(context.Background(), "+44", "conv-1")
		require.Equal(t, LockAcquired, status)
		in := db.updates[0]
		require.Contains(t, aws.ToString(in.ConditionExpression), "conversation_status <> :proc")
		proc := in.ExpressionAttributeValues[":proc"].(*ddbtypes.AttributeValueMemberS)
		require.Equal(t, StatusProcessingReply, proc.Value)
	})

	t.Run("held elsewhere", func(t *testing.T) {
		db := &fakeDB{updateFn: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, conditionalFailure()
		}}
		status := newTestStore(db).AcquireProcessingLock(context.Background(), "+44", "conv-1")
		require.Equal(t, LockExists, status)
	})
}

func TestCommitReply(t *testing.T) {
	db := &fakeDB{}
	store := newTestStore(db)

	processing := int64(1234)
	taskComplete := 0
	handoff := false
	status := store.CommitReply(context.Background(), CommitInput{
		PrimaryChannel:   "+44",
		ConversationID:   "conv-1",
		UserTurn:         MessageTurn{MessageID: "SM1", Role: "user", Content: "Hi"},
		AssistantTurn:    MessageTurn{MessageID: "SM2", Role: "assistant", Content: "Hello", TotalTokens: 10},
		Status:           StatusReplySent,
		ProcessingTimeMS: &processing,
		TaskComplete:     &taskComplete,
		HandOffToHuman:   &handoff,
	})
	require.Equal(t, CommitSuccess, status)

	in := db.updates[0]
	require.Equal(t, "#status = :lock", aws.ToString(in.ConditionExpression))
	lock := in.ExpressionAttributeValues[":lock"].(*ddbtypes.AttributeValueMemberS)
	require.Equal(t, StatusProcessingReply, lock.Value)
	require.Contains(t, aws.ToString(in.UpdateExpression), "list_append(if_not_exists(#msgs, :empty), :new_msgs)")
	require.Contains(t, aws.ToString(in.UpdateExpression), "#ptime = :ptime")

	turns := in.ExpressionAttributeValues[":new_msgs"].(*ddbtypes.AttributeValueMemberL)
	require.Len(t, turns.Value, 2)
}

func TestCommitReplyLockLost(t *testing.T) {
	db := &fakeDB{updateFn: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, conditionalFailure()
	}}
	status := newTestStore(db).CommitReply(context.Background(), CommitInput{
		PrimaryChannel: "+44",
		ConversationID: "conv-1",
		Status:         StatusReplySent,
	})
	require.Equal(t, CommitLockLost, status)
}

func TestQueryStagingPaginates(t *testing.T) {
	page := 0
	db := &fakeDB{queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		require.True(t, aws.ToBool(in.ConsistentRead))
		page++
		frag := StagingFragment{ConversationID: "conv-1", MessageSID: "SM" + string(rune('0'+page))}
		item, err := attributevalue.MarshalMap(frag)
		require.NoError(t, err)
		out := &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{item}}
		if page == 1 {
			out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{
				"conversation_id": &ddbtypes.AttributeValueMemberS{Value: "conv-1"},
			}
		}
		return out, nil
	}}
	store := newTestStore(db)

	fragments, err := store.QueryStaging(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, fragments, 2)
}

func TestDeleteStagingChunks(t *testing.T) {
	db := &fakeDB{}
	store := newTestStore(db)

	keys := make([]StagingKey, 60)
	for i := range keys {
		keys[i] = StagingKey{ConversationID: "conv-1", MessageSID: "SM"}
	}
	require.NoError(t, store.DeleteStaging(context.Background(), keys))

	require.Len(t, db.batches, 3)
	require.Len(t, db.batches[0].RequestItems[testTables.Staging], 25)
	require.Len(t, db.batches[2].RequestItems[testTables.Staging], 10)
}

func TestReleaseLockForRetry(t *testing.T) {
	db := &fakeDB{}
	store := newTestStore(db)

	require.NoError(t, store.ReleaseLockForRetry(context.Background(), "+44", "conv-1"))
	in := db.updates[0]
	retryVal := in.ExpressionAttributeValues[":retry"].(*ddbtypes.AttributeValueMemberS)
	require.Equal(t, StatusRetry, retryVal.Value)
	require.Nil(t, in.ConditionExpression)
}

func TestClassifyFallbacks(t *testing.T) {
	require.Equal(t, KindOther, classify(errors.New("plain failure")))
}
