// File: internal/platform/events.go
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

// EventHandler processes one observable event. An error requests redelivery.
type EventHandler func(ctx context.Context, ev syncer.Event) error

const eventMaxDeliver = 5

// ConsumeEvents delivers events from the durable consumer to handle, one at a
// time, until ctx is done. Events that cannot be decoded are terminated; a
// handler failure is redelivered after a delay, up to a fixed number of
// deliveries.
func (p *NATS) ConsumeEvents(ctx context.Context, handle EventHandler) error {
	consumer, err := p.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          p.cfg.Consumer,
		Durable:       p.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: p.cfg.EventSubject,
		MaxDeliver:    eventMaxDeliver,
		AckWait:       time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", p.cfg.Consumer, err)
	}

	log := p.log.With(zap.String("consumer", p.cfg.Consumer))
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev syncer.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			log.Error("Dropping undecodable event", zap.Error(err))
			_ = msg.Term()
			return
		}
		if err := handle(ctx, ev); err != nil {
			log.Warn("Event handling failed, requesting redelivery",
				zap.String("event", string(ev.Type)),
				zap.String("observable", ev.Observable.ID),
				zap.Error(err))
			_ = msg.NakWithDelay(p.nakDelay)
			return
		}
		if err := msg.Ack(); err != nil {
			log.Warn("Failed to ack event", zap.Error(err))
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Debug("Consume error", zap.Error(err))
	}))
	if err != nil {
		return fmt.Errorf("failed to start consuming events: %w", err)
	}
	log.Info("Listening for observable events", zap.String("subject", p.cfg.EventSubject))

	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	return nil
}
