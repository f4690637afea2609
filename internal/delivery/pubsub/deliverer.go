// Package pubsub publishes delivery events to the chat boundary topic.
//
// The chat frontend runs as a separate process; it subscribes to this
// topic and turns events into actual messages to the requester.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Event is the wire format consumed by the chat frontend.
type Event struct {
	RequesterID string    `json:"requester_id"`
	Type        string    `json:"type"`
	ArtifactRef string    `json:"artifact_reference,omitempty"`
	MediaKind   string    `json:"media_kind,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ImageCount  int       `json:"image_count,omitempty"`
	Message     string    `json:"message,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

const (
	eventArtifact = "artifact"
	eventNotice   = "notice"
)

// Deliverer publishes Events to a Pub/Sub topic.
type Deliverer struct {
	topic *pubsub.Topic
}

// New creates a Deliverer for the provided topic.
func New(topic *pubsub.Topic) *Deliverer {
	return &Deliverer{topic: topic}
}

// DeliverArtifact announces an artifact to the requester.
func (d *Deliverer) DeliverArtifact(ctx context.Context, requesterID string, artifact pipeline.Artifact) error {
	return d.publish(ctx, Event{
		RequesterID: requesterID,
		Type:        eventArtifact,
		ArtifactRef: artifact.Ref,
		MediaKind:   string(artifact.Kind),
		Size:        artifact.Size,
		ImageCount:  artifact.ImageCount,
		SentAt:      time.Now().UTC(),
	})
}

// DeliverNotice sends a plain text notice to the requester.
func (d *Deliverer) DeliverNotice(ctx context.Context, requesterID, message string) error {
	return d.publish(ctx, Event{
		RequesterID: requesterID,
		Type:        eventNotice,
		Message:     message,
		SentAt:      time.Now().UTC(),
	})
}

func (d *Deliverer) publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return pipeline.Wrap(pipeline.KindUnknown, err, "marshal delivery event")
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"requester_id": event.RequesterID},
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg.Attributes))

	if _, err := d.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return pipeline.Wrap(pipeline.KindBrokerUnavailable, err, "publish delivery event")
	}
	return nil
}

type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
