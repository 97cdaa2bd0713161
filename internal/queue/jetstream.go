package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStream is the production Queue on NATS JetStream work-queue streams.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewJetStream connects to NATS and provisions both streams. Provisioning is
// idempotent; every node runs it at startup.
func NewJetStream(ctx context.Context, url string, logger zerolog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := &JetStream{
		nc:     nc,
		js:     js,
		logger: logger.With().Str("component", "queue").Logger(),
	}
	if err := q.provision(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) provision(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamOutbound,
			Subjects:   []string{"outbound.>"},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:       StreamEvents,
			Subjects:   []string{"events.>"},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
		},
	}
	for _, cfg := range streams {
		if _, err := q.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("provision stream %s: %w", cfg.Name, err)
		}
		q.logger.Info().Str("stream", cfg.Name).Msg("Stream provisioned")
	}
	return nil
}

// Publish appends data with msgID-based dedupe.
func (q *JetStream) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := q.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume creates or updates the durable pull consumer and wraps it.
func (q *JetStream) Consume(ctx context.Context, stream, durable, subject string, ackWait time.Duration) (Consumer, error) {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		// Redeliveries stay unbounded here: attempt budgets live on the
		// message row, not on the queue.
		MaxDeliver:    -1,
		MaxAckPending: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s/%s: %w", stream, durable, err)
	}
	return &jsConsumer{cons: cons}, nil
}

// Close drains the connection so in-flight acks land.
func (q *JetStream) Close() {
	if err := q.nc.Drain(); err != nil {
		q.logger.Warn().Err(err).Msg("NATS drain failed, closing hard")
		q.nc.Close()
	}
}

type jsConsumer struct {
	cons jetstream.Consumer
}

func (c *jsConsumer) Next(ctx context.Context, wait time.Duration) (Delivery, error) {
	batch, err := c.cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoMessages
		}
		return nil, err
	}
	for msg := range batch.Messages() {
		return &jsDelivery{msg: msg}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, err
	}
	return nil, ErrNoMessages
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Data() []byte { return d.msg.Data() }

func (d *jsDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Term() error { return d.msg.Term() }
