package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"repliesengine/internal/awsconn"
	"repliesengine/internal/config"
)

// SQSAPI is the slice of the SQS client the pipeline uses. Tests pass fakes.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Client wraps the queue service with the four operations the pipeline
// needs: delayed enqueue, receive, visibility extension, and delete.
type Client struct {
	api SQSAPI
}

// NewClient builds an SQS-backed Client from the ambient AWS configuration.
func NewClient(ctx context.Context, cfg config.Config) (*Client, error) {
	awsCfg, err := awsconn.Load(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	sqsOpts := []func(*sqs.Options){}
	if cfg.AWSEndpoint != "" {
		sqsOpts = append(sqsOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		})
	}
	return &Client{api: sqs.NewFromConfig(awsCfg, sqsOpts...)}, nil
}

// New wraps an existing API client.
func New(api SQSAPI) *Client { return &Client{api: api} }

// Message is one received queue message.
type Message struct {
	MessageID     string
	Body          string
	ReceiptHandle string
}

// Enqueue sends body to the queue with the given per-message delay.
func (c *Client) Enqueue(ctx context.Context, queueURL, body string, delay time.Duration) error {
	_, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send message to %s: %w", queueURL, err)
	}
	return nil
}

// Receive long-polls the queue for up to max messages.
func (c *Client) Receive(ctx context.Context, queueURL string, max int32, wait time.Duration) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueURL, err)
	}
	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			MessageID:     aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// ExtendVisibility resets the message's visibility timeout, keeping it
// invisible to other consumers while processing continues.
func (c *Client) ExtendVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("extend visibility on %s: %w", queueURL, err)
	}
	return nil
}

// Delete acknowledges a message so the broker stops redelivering it.
func (c *Client) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message from %s: %w", queueURL, err)
	}
	return nil
}

// SendStatus classifies an Enqueue failure for the webhook error policy.
type SendStatus string

const (
	SendSuccess   SendStatus = "SUCCESS"
	SendTransient SendStatus = "SQS_TRANSIENT_ERROR"
	SendConfig    SendStatus = "SQS_CONFIG_ERROR"
	SendParameter SendStatus = "SQS_PARAMETER_ERROR"
	SendError     SendStatus = "SQS_SEND_ERROR"
)

// Transient reports whether the enqueue should be retried by the provider.
func (s SendStatus) Transient() bool { return s == SendTransient }

// ClassifySend maps an Enqueue error to a SendStatus.
func ClassifySend(err error) SendStatus {
	if err == nil {
		return SendSuccess
	}
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return SendConfig
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceUnavailable", "InternalFailure", "ThrottlingException", "RequestThrottled":
			return SendTransient
		case "AccessDenied", "AccessDeniedException":
			return SendConfig
		case "InvalidParameterValue", "InvalidParameterCombination", "InvalidMessageContents":
			return SendParameter
		}
	}
	return SendError
}
