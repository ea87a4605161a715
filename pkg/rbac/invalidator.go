package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/platinummonkey/campus/pkg/observability"
)

// InvalidationChannel is the Redis channel cache invalidations travel on
const InvalidationChannel = "campus:authz:invalidate"

const publishTimeout = 2 * time.Second

// Purger drops local cached state. branches.Service and Catalog satisfy it.
type Purger interface {
	Purge()
}

// InvalidationRecorder counts invalidations by origin ("local" or "remote")
type InvalidationRecorder interface {
	RecordInvalidation(origin string)
}

type invalidationMessage struct {
	Instance string `json:"instance"`
	Origin   string `json:"origin"`
}

// Invalidator fans cache invalidations out to every instance over Redis
// pub/sub. An instance ignores its own messages; it already purged locally.
type Invalidator struct {
	client   *redis.Client
	instance string
	targets  []Purger
	logger   *observability.Logger
	metrics  InvalidationRecorder

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewInvalidator creates an invalidator that purges targets on remote messages
func NewInvalidator(client *redis.Client, logger *observability.Logger, targets ...Purger) *Invalidator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	instance := uuid.NewString()
	return &Invalidator{
		client:   client,
		instance: instance,
		targets:  targets,
		logger:   logger.WithFields(map[string]interface{}{"component": "rbac.invalidator", "instance": instance}),
		done:     make(chan struct{}),
	}
}

// WithMetrics attaches an invalidation recorder
func (i *Invalidator) WithMetrics(m InvalidationRecorder) *Invalidator {
	i.metrics = m
	return i
}

// Instance returns the id stamped on messages from this process
func (i *Invalidator) Instance() string {
	return i.instance
}

// Start subscribes and waits for Redis to confirm before returning, so no
// message published afterwards is missed
func (i *Invalidator) Start(ctx context.Context) error {
	pubsub := i.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", InvalidationChannel, err)
	}
	i.pubsub = pubsub

	go i.listen(pubsub.Channel())
	return nil
}

func (i *Invalidator) listen(ch <-chan *redis.Message) {
	defer close(i.done)
	defer observability.RecoverPanic(i.logger, "invalidation listener")

	for msg := range ch {
		var m invalidationMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			i.logger.WithError(err).Warn("dropping malformed invalidation message")
			continue
		}
		if m.Instance == i.instance {
			continue
		}

		for _, t := range i.targets {
			t.Purge()
		}
		if i.metrics != nil {
			i.metrics.RecordInvalidation("remote")
		}
		i.logger.WithFields(map[string]interface{}{"from": m.Instance, "origin": m.Origin}).Debug("caches purged by remote invalidation")
	}
}

// Publish tells the other instances to purge their caches
func (i *Invalidator) Publish(ctx context.Context, origin string) error {
	payload, err := json.Marshal(invalidationMessage{Instance: i.instance, Origin: origin})
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	if err := i.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Notifier returns a hook for OnInvalidate that publishes origin. A publish
// failure is logged; other instances then converge within the cache TTL.
func (i *Invalidator) Notifier(origin string) func() {
	return func() {
		if i.metrics != nil {
			i.metrics.RecordInvalidation("local")
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := i.Publish(ctx, origin); err != nil {
			i.logger.WithError(err).WithField("origin", origin).Warn("cross-instance invalidation not sent")
		}
	}
}

// Close unsubscribes and waits for the listener to exit
func (i *Invalidator) Close() error {
	if i.pubsub == nil {
		return nil
	}
	err := i.pubsub.Close()
	<-i.done
	return err
}
