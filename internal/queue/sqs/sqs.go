// Package sqs — клиент очереди поверх Amazon SQS (aws-sdk-go).
//
// Retry реализуется публикацией копии с DelaySeconds, поэтому задержка
// ограничена 15 минутами (лимит SQS). DLQ — отдельная очередь SQS, куда
// пишутся записи domain.DeadLetter; native redrive policy очереди остаётся
// страховкой на случай падения воркера.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awssqs "github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/queue"
)

// Лимиты SQS.
const (
	maxBatch       = 10
	maxWaitSeconds = 20
	maxDelay       = 15 * time.Minute
)

// Config — параметры клиента.
type Config struct {
	// QueueURL — URL основной очереди.
	QueueURL string

	// DLQURL — URL dead-letter очереди.
	DLQURL string

	// Visibility — visibility timeout для receive (0 — атрибут очереди).
	Visibility time.Duration
}

// Client — queue.Client поверх SQS.
type Client struct {
	api        sqsiface.SQSAPI
	queueURL   string
	dlqURL     string
	visibility time.Duration
}

// Ensure Client implements queue.Client.
var (
	_ queue.Client              = (*Client)(nil)
	_ queue.DeadLetterInspector = (*Client)(nil)
)

// New создаёт клиента.
func New(api sqsiface.SQSAPI, cfg Config) (*Client, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue url is required")
	}
	return &Client{
		api:        api,
		queueURL:   cfg.QueueURL,
		dlqURL:     cfg.DLQURL,
		visibility: cfg.Visibility,
	}, nil
}

// SessionConfig — параметры AWS-сессии.
type SessionConfig struct {
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAPI создаёт SQS API. EndpointURL позволяет работать с LocalStack.
func NewAPI(cfg SessionConfig) (sqsiface.SQSAPI, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.EndpointURL != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.EndpointURL)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return awssqs.New(sess), nil
}

// ResolveURL возвращает URL очереди по имени.
func ResolveURL(ctx context.Context, api sqsiface.SQSAPI, name string) (string, error) {
	out, err := api.GetQueueUrlWithContext(ctx, &awssqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get queue url %q: %w", name, err)
	}
	return aws.StringValue(out.QueueUrl), nil
}

// Send публикует сообщение с атрибутами task_id, task_type, priority.
func (c *Client) Send(ctx context.Context, msg *domain.TaskMessage, delay time.Duration) error {
	body, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = c.api.SendMessageWithContext(ctx, &awssqs.SendMessageInput{
		QueueUrl:     aws.String(c.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: aws.Int64(delaySeconds(delay)),
		MessageAttributes: map[string]*awssqs.MessageAttributeValue{
			"task_id":   stringAttr(msg.TaskID),
			"task_type": stringAttr(msg.TaskType),
			"priority":  stringAttr(string(msg.Priority)),
		},
	})
	return queue.Transient("send", err)
}

// Receive выполняет long-poll. SQS ограничивает batch 10 сообщениями, wait — 20 секундами.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Received, error) {
	input := &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   aws.Int64(int64(clamp(max, 1, maxBatch))),
		WaitTimeSeconds:       aws.Int64(int64(clamp(int(wait/time.Second), 0, maxWaitSeconds))),
		AttributeNames:        aws.StringSlice([]string{awssqs.MessageSystemAttributeNameApproximateReceiveCount}),
		MessageAttributeNames: aws.StringSlice([]string{"All"}),
	}
	if c.visibility > 0 {
		input.VisibilityTimeout = aws.Int64(int64(c.visibility / time.Second))
	}

	out, err := c.api.ReceiveMessageWithContext(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, queue.Transient("receive", err)
	}

	received := make([]queue.Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		receiveCount, _ := strconv.Atoi(aws.StringValue(m.Attributes[awssqs.MessageSystemAttributeNameApproximateReceiveCount]))
		received = append(received, queue.Decode([]byte(aws.StringValue(m.Body)), aws.StringValue(m.ReceiptHandle), receiveCount))
	}
	return received, nil
}

// Delete удаляет сообщение.
func (c *Client) Delete(ctx context.Context, receipt string) error {
	_, err := c.api.DeleteMessageWithContext(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return classify("delete", err)
}

// ExtendVisibility продлевает lease.
func (c *Client) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	_, err := c.api.ChangeMessageVisibilityWithContext(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: aws.Int64(int64(timeout / time.Second)),
	})
	return classify("extend visibility", err)
}

// SendToDeadLetter публикует запись в DLQ.
func (c *Client) SendToDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if c.dlqURL == "" {
		return errors.New("sqs: dlq url is not configured")
	}

	body, err := dl.Encode()
	if err != nil {
		return err
	}

	_, err = c.api.SendMessageWithContext(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(c.dlqURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]*awssqs.MessageAttributeValue{
			"task_id":     stringAttr(dl.TaskID),
			"task_type":   stringAttr(dl.TaskType),
			"reason":      stringAttr(dl.Reason),
			"retry_count": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(dl.RetryCount))},
		},
	})
	return queue.Transient("dead letter", err)
}

// PeekDeadLetters читает записи DLQ с нулевым visibility timeout:
// сообщения остаются в DLQ и сразу видимы снова.
// SQS не гарантирует порядок, повторы отбрасываются по MessageId.
func (c *Client) PeekDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if c.dlqURL == "" {
		return nil, errors.New("sqs: dlq url is not configured")
	}
	if limit <= 0 {
		limit = maxBatch
	}

	seen := make(map[string]struct{})
	var out []domain.DeadLetter
	for len(out) < limit {
		resp, err := c.api.ReceiveMessageWithContext(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.dlqURL),
			MaxNumberOfMessages: aws.Int64(int64(min(limit-len(out), maxBatch))),
			VisibilityTimeout:   aws.Int64(0),
		})
		if err != nil {
			return nil, queue.Transient("peek dead letters", err)
		}

		added := 0
		for _, m := range resp.Messages {
			id := aws.StringValue(m.MessageId)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			dl, err := domain.DecodeDeadLetter([]byte(aws.StringValue(m.Body)))
			if err != nil {
				// Сообщение, попавшее через native redrive, — без обёртки
				dl = &domain.DeadLetter{Reason: "redrive", RawBody: aws.StringValue(m.Body)}
			}
			out = append(out, *dl)
			added++
		}
		if added == 0 {
			break
		}
	}
	return out, nil
}

// Stats возвращает ApproximateNumberOfMessages*.
func (c *Client) Stats(ctx context.Context) (queue.Stats, error) {
	out, err := c.api.GetQueueAttributesWithContext(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: aws.StringSlice([]string{
			awssqs.QueueAttributeNameApproximateNumberOfMessages,
			awssqs.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			awssqs.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		}),
	})
	if err != nil {
		return queue.Stats{}, queue.Transient("stats", err)
	}

	attr := func(name string) int {
		n, _ := strconv.Atoi(aws.StringValue(out.Attributes[name]))
		return n
	}
	return queue.Stats{
		Visible:  attr(awssqs.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: attr(awssqs.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:  attr(awssqs.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// classify переводит ошибки SQS об истёкшем receipt в queue.ErrReceiptExpired.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awssqs.ErrCodeReceiptHandleIsInvalid, awssqs.ErrCodeMessageNotInflight:
			return fmt.Errorf("%w: %s", queue.ErrReceiptExpired, aerr.Message())
		case "InvalidParameterValue":
			if strings.Contains(strings.ToLower(aerr.Message()), "receipt handle") {
				return fmt.Errorf("%w: %s", queue.ErrReceiptExpired, aerr.Message())
			}
		}
	}
	return queue.Transient(op, err)
}

func delaySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(min(d, maxDelay) / time.Second)
}

func stringAttr(v string) *awssqs.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return &awssqs.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
