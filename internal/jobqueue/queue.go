// Package jobqueue provides the durable at-least-once handoff between
// submission and the dispatcher. Messages stay invisible while a consumer
// works on them and reappear after the visibility timeout unless
// acknowledged, so consumers must tolerate redelivery.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one queued job reference.
type Message struct {
	JobID     string `json:"job_id"`
	Reference string `json:"reference"`
	AckToken  string `json:"-"`
}

// Queue is the messaging contract shared by the SQS and SQLite backends.
type Queue interface {
	// Enqueue makes a job visible to consumers.
	Enqueue(ctx context.Context, jobID, reference string) error

	// Receive long-polls for up to waitSeconds and returns at most one
	// message, or nil when the queue is empty.
	Receive(ctx context.Context, waitSeconds int) (*Message, error)

	// Acknowledge permanently removes a delivered message.
	Acknowledge(ctx context.Context, ackToken string) error
}

func encodeBody(jobID, reference string) (string, error) {
	body, err := json.Marshal(Message{JobID: jobID, Reference: reference})
	if err != nil {
		return "", fmt.Errorf("encode queue message: %w", err)
	}
	return string(body), nil
}

func decodeBody(body string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("queue message missing job_id")
	}
	return &msg, nil
}
