// Package fanout is the Sink Fan-Out (spec §4.5): it delivers each
// telemetry record and alert event to the durable store first, then to the
// cache, pub/sub, and live push hub concurrently. Only the durable store
// write receives a context bounded by DefaultSinkDeadline; the other sinks
// take no context, and their dispatches are awaited without a timeout.
package fanout

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dalybms/internal/cache"
	"github.com/srg/dalybms/internal/groutine"
	"github.com/srg/dalybms/internal/pubsub"
	"github.com/srg/dalybms/internal/pushhub"
	"github.com/srg/dalybms/internal/store"
	"github.com/srg/dalybms/internal/telemetry"
)

// DefaultSinkDeadline is the timeout of the context passed to the durable
// store write (§4.5). The cache, pub/sub and push-hub calls take no context
// and are not bounded by it.
const DefaultSinkDeadline = 2 * time.Second

// DurableStore is the subset of store.Store the fan-out writes through.
type DurableStore interface {
	InsertRecord(ctx context.Context, rec telemetry.Record) error
	InsertAlert(ctx context.Context, ev telemetry.AlertEvent) error
}

// FanOut joins the four sinks behind the scheduler.Publisher interface.
type FanOut struct {
	logger   *logrus.Logger
	store    DurableStore
	topics   *cache.TopicCache
	pubsub   *pubsub.Publisher
	hub      *pushhub.Hub
	deadline time.Duration
}

// New constructs a FanOut. pubsub and hub may be nil to disable those
// sinks (e.g. when a broker URL or push transport isn't configured); store
// and topics are required.
func New(logger *logrus.Logger, st DurableStore, topics *cache.TopicCache, ps *pubsub.Publisher, hub *pushhub.Hub) *FanOut {
	if logger == nil {
		logger = logrus.New()
	}
	return &FanOut{
		logger:   logger,
		store:    st,
		topics:   topics,
		pubsub:   ps,
		hub:      hub,
		deadline: DefaultSinkDeadline,
	}
}

// PublishRecord fans rec out to every sink. The durable store write is
// awaited first so cache/pub-sub/push readers never observe a record absent
// from the store; the remaining three sinks run concurrently.
func (f *FanOut) PublishRecord(ctx context.Context, rec telemetry.Record) {
	f.withDeadline(ctx, func(c context.Context) {
		if err := f.store.InsertRecord(c, rec); err != nil {
			f.logger.WithError(err).Warn("fanout: durable store write failed")
		}
	})

	done := make(chan struct{}, 3)
	groutine.Go(ctx, "fanout-cache", func(c context.Context) {
		f.withDeadline(ctx, func(c context.Context) {
			if err := f.topics.PutRealtime(rec); err != nil {
				f.logger.WithError(err).Warn("fanout: cache write failed")
			}
		})
		done <- struct{}{}
	})
	groutine.Go(ctx, "fanout-pubsub", func(c context.Context) {
		if f.pubsub != nil {
			f.pubsub.Publish(pubsub.TopicRealtime, rec)
		}
		done <- struct{}{}
	})
	groutine.Go(ctx, "fanout-pushhub", func(c context.Context) {
		if f.hub != nil {
			f.hub.Broadcast("realtime", rec)
		}
		done <- struct{}{}
	})
	for i := 0; i < 3; i++ {
		<-done
	}
}

// PublishAlert fans an alert event out the same way as PublishRecord, minus
// the cache sink (alerts are not cached, only stored/published/pushed).
func (f *FanOut) PublishAlert(ctx context.Context, ev telemetry.AlertEvent) {
	f.withDeadline(ctx, func(c context.Context) {
		if err := f.store.InsertAlert(c, ev); err != nil {
			f.logger.WithError(err).Warn("fanout: durable store alert write failed")
		}
	})

	done := make(chan struct{}, 2)
	groutine.Go(ctx, "fanout-alert-pubsub", func(c context.Context) {
		if f.pubsub != nil {
			f.pubsub.Publish(pubsub.TopicAlerts, ev)
		}
		done <- struct{}{}
	})
	groutine.Go(ctx, "fanout-alert-pushhub", func(c context.Context) {
		if f.hub != nil {
			f.hub.Broadcast("alerts", ev)
		}
		done <- struct{}{}
	})
	for i := 0; i < 2; i++ {
		<-done
	}
}

// PublishStatus writes a status snapshot to cache, pub/sub and the push hub (the durable
// store's system_status table is written directly by callers that already
// hold a StatusRecord, e.g. a periodic status reporter).
func (f *FanOut) PublishStatus(ctx context.Context, rec telemetry.StatusRecord) {
	f.withDeadline(ctx, func(c context.Context) {
		if err := f.topics.PutStatus(rec); err != nil {
			f.logger.WithError(err).Warn("fanout: status cache write failed")
		}
	})
	if f.pubsub != nil {
		f.pubsub.Publish(pubsub.TopicStatus, rec)
	}
	if f.hub != nil {
		f.hub.Broadcast("status", rec)
	}
}

func (f *FanOut) withDeadline(ctx context.Context, fn func(context.Context)) {
	c, cancel := context.WithTimeout(ctx, f.deadline)
	defer cancel()
	fn(c)
}
