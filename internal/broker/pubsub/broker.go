// Package pubsub implements the broker transport on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/broker"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Config names the topics and subscriptions for both channels. A process
// only needs the halves it uses: the bot publishes jobs and receives
// results, the downloader does the inverse.
type Config struct {
	ProjectID          string `mapstructure:"project_id"`
	JobTopic           string `mapstructure:"job_topic"`
	JobSubscription    string `mapstructure:"job_subscription"`
	ResultTopic        string `mapstructure:"result_topic"`
	ResultSubscription string `mapstructure:"result_subscription"`
	Buffer             int    `mapstructure:"buffer"`
}

// Broker carries job and result messages over Pub/Sub.
//
// Messages are acknowledged on receipt, before processing, which keeps
// delivery at-most-once end to end: a job received by a worker that
// dies mid-extraction is gone, matching the documented reliability gap
// of the pipeline. Upgrading to receive-process-acknowledge would change
// that contract and require idempotent redelivery handling first.
type Broker struct {
	client      *pubsub.Client
	jobTopic    *pubsub.Topic
	resultTopic *pubsub.Topic
	jobs        chan pipeline.Job
	results     chan pipeline.Result
	logger      *zap.Logger
}

// New connects to Pub/Sub and verifies the configured channels exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("broker.project_id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	b := &Broker{
		client:  client,
		jobs:    make(chan pipeline.Job, bufferSize(cfg)),
		results: make(chan pipeline.Result, bufferSize(cfg)),
		logger:  logger,
	}

	if cfg.JobTopic != "" {
		b.jobTopic, err = existingTopic(ctx, client, cfg.JobTopic)
		if err != nil {
			return nil, closeOnErr(client, err)
		}
	}
	if cfg.ResultTopic != "" {
		b.resultTopic, err = existingTopic(ctx, client, cfg.ResultTopic)
		if err != nil {
			return nil, closeOnErr(client, err)
		}
	}
	if cfg.JobSubscription != "" {
		sub := client.Subscription(cfg.JobSubscription)
		go b.receiveLoop(ctx, sub, b.handleJobMessage)
	}
	if cfg.ResultSubscription != "" {
		sub := client.Subscription(cfg.ResultSubscription)
		go b.receiveLoop(ctx, sub, b.handleResultMessage)
	}
	return b, nil
}

func bufferSize(cfg Config) int {
	if cfg.Buffer > 0 {
		return cfg.Buffer
	}
	return 16
}

func existingTopic(ctx context.Context, client *pubsub.Client, id string) (*pubsub.Topic, error) {
	topic := client.Topic(id)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist", id)
	}
	return topic, nil
}

func closeOnErr(client *pubsub.Client, err error) error {
	if closeErr := client.Close(); closeErr != nil {
		return fmt.Errorf("%w (close client: %v)", err, closeErr)
	}
	return err
}

func (b *Broker) receiveLoop(ctx context.Context, sub *pubsub.Subscription, handle func(context.Context, *pubsub.Message)) {
	err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		// Ack first: at-most-once by design, see the type comment.
		msg.Ack()
		handle(msgCtx, msg)
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Error("pubsub receive stopped", zap.String("subscription", sub.ID()), zap.Error(err))
	}
}

func (b *Broker) handleJobMessage(ctx context.Context, msg *pubsub.Message) {
	job, err := broker.DecodeJob(msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed job message", zap.Error(err))
		return
	}
	select {
	case b.jobs <- job:
	case <-ctx.Done():
	}
}

func (b *Broker) handleResultMessage(ctx context.Context, msg *pubsub.Message) {
	result, err := broker.DecodeResult(msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed result message", zap.Error(err))
		return
	}
	select {
	case b.results <- result:
	case <-ctx.Done():
	}
}

// PublishJob publishes a job message and waits for the server ack.
func (b *Broker) PublishJob(ctx context.Context, job pipeline.Job) error {
	if b.jobTopic == nil {
		return pipeline.E(pipeline.KindBrokerUnavailable, "job topic is not configured")
	}
	data, err := broker.EncodeJob(job)
	if err != nil {
		return err
	}
	return b.publish(ctx, b.jobTopic, data, map[string]string{"job_id": job.ID})
}

// ReceiveJob blocks until the next job or context cancellation.
func (b *Broker) ReceiveJob(ctx context.Context) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return pipeline.Job{}, fmt.Errorf("receive job canceled: %w", ctx.Err())
	case job := <-b.jobs:
		return job, nil
	}
}

// PublishResult publishes a result message and waits for the server ack.
func (b *Broker) PublishResult(ctx context.Context, result pipeline.Result) error {
	if b.resultTopic == nil {
		return pipeline.E(pipeline.KindBrokerUnavailable, "result topic is not configured")
	}
	data, err := broker.EncodeResult(result)
	if err != nil {
		return err
	}
	return b.publish(ctx, b.resultTopic, data, map[string]string{"job_id": result.JobID})
}

// ReceiveResult blocks until the next result or context cancellation.
func (b *Broker) ReceiveResult(ctx context.Context) (pipeline.Result, error) {
	select {
	case <-ctx.Done():
		return pipeline.Result{}, fmt.Errorf("receive result canceled: %w", ctx.Err())
	case result := <-b.results:
		return result, nil
	}
}

func (b *Broker) publish(ctx context.Context, topic *pubsub.Topic, data []byte, attrs map[string]string) error {
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	otel.GetTextMapPropagator().Inject(ctx, &messageCarrier{attrs: msg.Attributes})

	res := topic.Publish(ctx, msg)
	if _, err := res.Get(ctx); err != nil {
		return pipeline.Wrap(pipeline.KindBrokerUnavailable, err, "publish message")
	}
	return nil
}

// Close stops the publishers and the underlying client connection.
func (b *Broker) Close() error {
	if b.jobTopic != nil {
		b.jobTopic.Stop()
	}
	if b.resultTopic != nil {
		b.resultTopic.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// messageCarrier implements propagation.TextMapCarrier over message attributes.
type messageCarrier struct {
	attrs map[string]string
}

func (c *messageCarrier) Get(key string) string { return c.attrs[key] }

func (c *messageCarrier) Set(key, value string) { c.attrs[key] = value }

func (c *messageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
