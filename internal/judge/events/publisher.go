// Package events announces submission lifecycle transitions to downstream
// consumers over the message queue. The pipeline itself never consumes
// these events; judging is coordinated through the submission store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gavel/internal/common/mq"
	"gavel/internal/judge/model"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const (
	TypeAccepted  = "submission.accepted"
	TypeFinished  = "submission.finished"
	TypeRecovered = "submission.recovered"
)

// Event is the wire payload published for each transition.
type Event struct {
	Type         string        `json:"type"`
	SubmissionID string        `json:"submission_id"`
	ProblemID    int64         `json:"problem_id"`
	UserID       int64         `json:"user_id"`
	Status       model.Status  `json:"status"`
	Verdict      model.Verdict `json:"verdict,omitempty"`
	CreatedAt    int64         `json:"created_at"`
}

// Publisher announces submission transitions.
type Publisher interface {
	PublishAccepted(ctx context.Context, sub *model.Submission) error
	PublishFinished(ctx context.Context, sub *model.Submission) error
	PublishRecovered(ctx context.Context, sub *model.Submission) error
}

// MQPublisher publishes events to a single broker topic.
type MQPublisher struct {
	producer mq.Producer
	topic    string
}

func NewMQPublisher(producer mq.Producer, topic string) *MQPublisher {
	return &MQPublisher{producer: producer, topic: topic}
}

func (p *MQPublisher) PublishAccepted(ctx context.Context, sub *model.Submission) error {
	return p.publish(ctx, TypeAccepted, sub)
}

func (p *MQPublisher) PublishFinished(ctx context.Context, sub *model.Submission) error {
	return p.publish(ctx, TypeFinished, sub)
}

func (p *MQPublisher) PublishRecovered(ctx context.Context, sub *model.Submission) error {
	return p.publish(ctx, TypeRecovered, sub)
}

func (p *MQPublisher) publish(ctx context.Context, eventType string, sub *model.Submission) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("submission", "required")
	}
	event := Event{
		Type:         eventType,
		SubmissionID: sub.ID,
		ProblemID:    sub.ProblemID,
		UserID:       sub.UserID,
		Status:       sub.Status,
		CreatedAt:    time.Now().Unix(),
	}
	if sub.Result != nil {
		event.Verdict = sub.Result.Status
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalError, "marshal event failed")
	}
	message := mq.NewMessage(payload)
	message.ID = sub.ID
	message.SetHeader("x-event-type", eventType)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		logger.Error(ctx, "publish submission event failed",
			zap.String("submission_id", sub.ID), zap.String("type", eventType), zap.Error(err))
		return appErr.Wrapf(err, appErr.QueueError, "publish submission event failed")
	}
	return nil
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishAccepted(context.Context, *model.Submission) error  { return nil }
func (NopPublisher) PublishFinished(context.Context, *model.Submission) error  { return nil }
func (NopPublisher) PublishRecovered(context.Context, *model.Submission) error { return nil }
