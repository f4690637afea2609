// Package memory contains an in-memory deliverer for local runs and tests.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Delivery captures one delivery call.
type Delivery struct {
	RequesterID string
	Artifact    *pipeline.Artifact
	Message     string
}

// Deliverer records deliveries and logs them, standing in for the chat
// boundary during local development.
type Deliverer struct {
	logger *zap.Logger

	mu         sync.RWMutex
	deliveries []Delivery
}

// New returns a memory Deliverer.
func New(logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{logger: logger}
}

// DeliverArtifact records the artifact delivery.
func (d *Deliverer) DeliverArtifact(_ context.Context, requesterID string, artifact pipeline.Artifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, Delivery{RequesterID: requesterID, Artifact: &artifact})
	d.logger.Info("artifact ready",
		zap.String("requester_id", requesterID),
		zap.String("artifact_reference", artifact.Ref),
		zap.String("size", pipeline.HumanSize(artifact.Size)),
	)
	return nil
}

// DeliverNotice records the notice.
func (d *Deliverer) DeliverNotice(_ context.Context, requesterID, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, Delivery{RequesterID: requesterID, Message: message})
	d.logger.Info("notice",
		zap.String("requester_id", requesterID),
		zap.String("message", message),
	)
	return nil
}

// Deliveries returns the recorded calls.
func (d *Deliverer) Deliveries() []Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}
