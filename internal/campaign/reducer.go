package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/logging"
	"github.com/adred-codev/wasend/internal/metrics"
	"github.com/adred-codev/wasend/internal/queue"
	"github.com/adred-codev/wasend/internal/store"
)

// Reducer folds counter events into campaign rows. It is the only writer of
// campaign counters, which keeps the increments serialized and idempotent
// (the publish-side dedupe id is message+field).
type Reducer struct {
	campaigns store.CampaignStore
	consumer  queue.Consumer
	logger    zerolog.Logger
	m         *metrics.Metrics
}

// NewReducer wires a Reducer.
func NewReducer(campaigns store.CampaignStore, consumer queue.Consumer, logger zerolog.Logger, m *metrics.Metrics) *Reducer {
	return &Reducer{
		campaigns: campaigns,
		consumer:  consumer,
		logger:    logger.With().Str("component", "campaign-reducer").Logger(),
		m:         m,
	}
}

// Run consumes counter events until ctx is cancelled.
func (r *Reducer) Run(ctx context.Context) {
	defer logging.RecoverPanic(r.logger, "campaign-reducer", nil)
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := r.consumer.Next(ctx, 5*time.Second)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Msg("Counter dequeue failed")
			continue
		}
		r.apply(ctx, delivery)
	}
}

func (r *Reducer) apply(ctx context.Context, delivery queue.Delivery) {
	var ev CounterEvent
	if err := json.Unmarshal(delivery.Data(), &ev); err != nil {
		r.logger.Error().Err(err).Msg("Undecodable counter event, dropping")
		_ = delivery.Term()
		return
	}

	var delta store.CounterDelta
	switch ev.Field {
	case "sent":
		delta.Sent = 1
	case "delivered":
		delta.Delivered = 1
	case "read":
		delta.Read = 1
	case "failed":
		delta.Failed = 1
	default:
		r.logger.Warn().Str("field", ev.Field).Msg("Unknown counter field, dropping")
		_ = delivery.Term()
		return
	}

	err := r.campaigns.AddCampaignCounters(ctx, ev.CampaignID, delta)
	if errors.Is(err, store.ErrNotFound) {
		// Campaign row gone; nothing to count against.
		_ = delivery.Term()
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Stringer("campaign_id", ev.CampaignID).Msg("Counter apply failed, retrying")
		_ = delivery.Nak(time.Second)
		return
	}
	_ = delivery.Ack()
}
