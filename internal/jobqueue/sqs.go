package jobqueue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"voxelpipe/internal/config"
)

// SQSQueue adapts an SQS queue to the Queue contract. Visibility timeout and
// redelivery policy live on the queue itself.
type SQSQueue struct {
	client *sqs.Client
	url    string
}

// NewSQS builds an SQS-backed queue from configuration. Credentials fall back
// to the ambient chain when the config carries none.
func NewSQS(ctx context.Context, cfg *config.Config) (*SQSQueue, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.Region),
	}
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSQueue{
		client: sqs.NewFromConfig(awsCfg),
		url:    cfg.Queue.URL,
	}, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, jobID, reference string) error {
	body, err := encodeBody(jobID, reference)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send queue message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, waitSeconds int) (*Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("receive queue message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	raw := out.Messages[0]
	msg, err := decodeBody(aws.ToString(raw.Body))
	if err != nil {
		// Unparseable messages are removed rather than redelivered forever.
		_, _ = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.url),
			ReceiptHandle: raw.ReceiptHandle,
		})
		return nil, err
	}
	msg.AckToken = aws.ToString(raw.ReceiptHandle)
	return msg, nil
}

func (q *SQSQueue) Acknowledge(ctx context.Context, ackToken string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(ackToken),
	})
	if err != nil {
		return fmt.Errorf("acknowledge queue message: %w", err)
	}
	return nil
}
