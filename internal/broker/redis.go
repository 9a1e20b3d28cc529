package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// RedisPublisher delivers locally first, then relays the snapshot to other
// instances through Redis Pub/Sub.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	local   *Broker
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string, local *Broker) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, local: local}
}

// Publish delivers ev locally and on Redis. A Redis failure is returned but
// local subscribers already have the snapshot.
func (p *RedisPublisher) Publish(ctx context.Context, ev model.SessionEvent) error {
	p.local.Deliver(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// SnapshotFunc reads the authoritative session state.
type SnapshotFunc func(ctx context.Context) (model.SessionEvent, error)

// Relay feeds snapshots published by any instance into the local broker.
// It resyncs from storage whenever its Redis subscription is (re)established
// and every interval, so a lost message costs at most one interval.
type Relay struct {
	rdb      *redis.Client
	channel  string
	local    *Broker
	snapshot SnapshotFunc
	interval time.Duration
	log      zerolog.Logger
}

// NewRelay creates a Relay.
func NewRelay(rdb *redis.Client, channel string, local *Broker, snapshot SnapshotFunc, interval time.Duration, log zerolog.Logger) *Relay {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Relay{
		rdb:      rdb,
		channel:  channel,
		local:    local,
		snapshot: snapshot,
		interval: interval,
		log:      log.With().Str("component", "snapshot_relay").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	r.log.Info().Str("channel", r.channel).Msg("Snapshot relay started")
	lastSync := time.Time{}

	for {
		msg, err := pubsub.ReceiveTimeout(ctx, r.interval)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info().Msg("Snapshot relay stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.resync(ctx)
				lastSync = time.Now()
				continue
			}

			wait := bo.NextBackOff()
			r.log.Warn().Err(err).Dur("retry_in", wait).Msg("Snapshot relay receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				bo.Reset()
				r.resync(ctx)
				lastSync = time.Now()
			}
		case *redis.Message:
			var ev model.SessionEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Msg("Dropping malformed snapshot")
				continue
			}
			r.local.Deliver(ev)
		}

		if time.Since(lastSync) >= r.interval {
			r.resync(ctx)
			lastSync = time.Now()
		}
	}
}

func (r *Relay) resync(ctx context.Context) {
	ev, err := r.snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("Snapshot resync failed")
		}
		return
	}
	if r.local.Deliver(ev) {
		r.log.Debug().Int64("version", ev.Session.Version).Msg("Resync delivered newer snapshot")
	}
}
