package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

const StreamName = "FRAMESYNC_SUBMISSIONS"

type SubmissionEvent struct {
	ID                 string        `json:"id"`
	Status             domain.Status `json:"status"`
	ProcessingProgress int           `json:"processing_progress"`
	UploadProgress     int           `json:"upload_progress"`
	Error              string        `json:"error,omitempty"`
	At                 time.Time     `json:"at"`
}

func NewSubmissionEvent(sub domain.Submission) SubmissionEvent {
	return SubmissionEvent{
		ID:                 sub.ID,
		Status:             sub.Status,
		ProcessingProgress: sub.ProcessingProgress,
		UploadProgress:     sub.UploadProgress,
		Error:              sub.Error,
		At:                 sub.UpdatedAt,
	}
}

// JetStreamPublisher is the subset of nats.JetStreamContext used here.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type publisher struct {
	js            JetStreamPublisher
	subjectPrefix string
}

func NewPublisher(js JetStreamPublisher, subjectPrefix string) *publisher {
	return &publisher{js: js, subjectPrefix: subjectPrefix}
}

// Publish is best-effort: progress events are a convenience for listeners,
// the persisted submission stays authoritative.
func (p *publisher) Publish(ctx context.Context, sub domain.Submission) {
	if err := p.publish(ctx, sub); err != nil {
		slog.Warn("publish submission event",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *publisher) publish(ctx context.Context, sub domain.Submission) error {
	if sub.ID == "" {
		return fmt.Errorf("empty submission id")
	}

	data, err := json.Marshal(NewSubmissionEvent(sub))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(sub.ID),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", "application/json")

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	slog.Debug("submission event published",
		slog.String("submission_id", sub.ID),
		slog.String("status", string(sub.Status)),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

func (p *publisher) Subject(id string) string {
	return p.subjectPrefix + "." + id
}

type nopPublisher struct{}

func NewNopPublisher() nopPublisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, domain.Submission) {}
