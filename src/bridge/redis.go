package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kefu-console/realtime/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrFollowing is returned by Follow when the bridge already relays.
var ErrFollowing = errors.New("bridge already following")

// envelope is the record written to the mirror channel.
type envelope struct {
	Source       string             `json:"source,omitempty"`
	InstanceID   string             `json:"instance_id"`
	PublishedAt  int64              `json:"published_at"`
	Notification types.Notification `json:"notification"`
}

// Option configures a RedisBridge.
type Option func(*RedisBridge)

// WithSource stamps every published envelope with the agent returned by
// source, so followers can tell consoles apart.
func WithSource(source func() string) Option {
	return func(b *RedisBridge) { b.source = source }
}

// RedisBridge mirrors notifications to a Redis pub/sub channel.
//
// A console uses it publish-only: Start connects and Publish writes, but
// nothing is read back, so a console never sees another console's
// notifications. Follow turns the bridge into a reader for tooling such as
// the tail command.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	source     func() string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	active bool
	target BroadcastTarget
	only   string
}

// NewRedisBridge creates a bridge on cfg's mirror channel.
func NewRedisBridge(cfg *RedisConfig, logger zerolog.Logger, opts ...Option) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel:    cfg.Channel(),
		instanceID: uuid.New().String(),
		source:     func() string { return "" },
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InstanceID identifies this process on the bridge.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Start checks the Redis connection and enables Publish. It does not
// subscribe.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}
	b.setActive(true)
	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis mirror publishing")
	return nil
}

// Follow subscribes to the mirror channel and hands every notification from
// another instance to target. A non-empty source limits relaying to
// envelopes from that agent.
func (b *RedisBridge) Follow(target BroadcastTarget, source string) error {
	b.mu.Lock()
	if b.target != nil {
		b.mu.Unlock()
		return ErrFollowing
	}
	b.target, b.only = target, source
	b.mu.Unlock()

	sub := b.client.Subscribe(b.ctx, b.channel)
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		b.mu.Lock()
		b.target, b.only = nil, ""
		b.mu.Unlock()
		return err
	}
	b.setActive(true)

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("channel", b.channel).
		Str("source", source).
		Msg("redis mirror following")
	return nil
}

// Publish writes a notification to the mirror channel.
func (b *RedisBridge) Publish(n types.Notification) error {
	data, err := b.encode(n, time.Now())
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop ends any follower and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.setActive(false)
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether Start or Follow succeeded and Stop has not run.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) setActive(v bool) {
	b.mu.Lock()
	b.active = v
	b.mu.Unlock()
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay(msg.Payload)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) encode(n types.Notification, at time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Source:       b.source(),
		InstanceID:   b.instanceID,
		PublishedAt:  at.UnixMilli(),
		Notification: n,
	})
}

// relay decodes one envelope and passes it to the follow target. It is a
// no-op on a bridge that is not following.
func (b *RedisBridge) relay(payload string) {
	b.mu.RLock()
	target, only := b.target, b.only
	b.mu.RUnlock()
	if target == nil {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("undecodable mirror record")
		return
	}
	if env.InstanceID == b.instanceID || (only != "" && env.Source != only) {
		return
	}

	b.logger.Debug().
		Str("source", env.Source).
		Str("kind", env.Notification.Kind).
		Int64("conversation_id", env.Notification.ConversationID).
		Dur("lag", time.Since(time.UnixMilli(env.PublishedAt))).
		Msg("mirrored notification")
	target.PublishLocal(env.Notification)
}
