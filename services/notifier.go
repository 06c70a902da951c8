package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const snapshotTTL = 2 * time.Hour

// Notifier is the change feed: every duel mutation is cached under the
// duel's key and published on the duel's channel. Subscribers get full
// snapshots, at least once, possibly out of order; anything they miss
// is covered by the full fetch they do on subscribe.
type Notifier struct {
	redis *redis.Client
	log   *logrus.Entry
}

func NewNotifier(redisClient *redis.Client, log *logrus.Logger) *Notifier {
	return &Notifier{
		redis: redisClient,
		log:   log.WithField("component", "notifier"),
	}
}

func duelChannel(duelID uint) string {
	return fmt.Sprintf("duel.events.%d", duelID)
}

func duelKey(duelID uint) string {
	return fmt.Sprintf("duel:%d", duelID)
}

func (n *Notifier) Publish(ctx context.Context, snap *DuelSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := n.redis.Set(ctx, duelKey(snap.DuelID), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	if err := n.redis.Publish(ctx, duelChannel(snap.DuelID), data).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	n.log.WithFields(logrus.Fields{
		"duel_id":  snap.DuelID,
		"status":   snap.Status,
		"event_id": snap.EventID,
	}).Debug("snapshot published")
	return nil
}

// CachedSnapshot returns the last published snapshot, or nil when the
// cache has nothing for this duel.
func (n *Notifier) CachedSnapshot(ctx context.Context, duelID uint) (*DuelSnapshot, error) {
	data, err := n.redis.Get(ctx, duelKey(duelID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap DuelSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal cached snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe opens the duel's change feed. The returned cancel func must
// be called to release the underlying subscription; the channel closes
// when the subscription ends or ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, duelID uint) (<-chan DuelSnapshot, func(), error) {
	sub := n.redis.Subscribe(ctx, duelChannel(duelID))
	// Force the subscription handshake so a bad connection fails here,
	// not silently in the pump goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan DuelSnapshot, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var snap DuelSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					n.log.WithError(err).WithField("duel_id", duelID).Warn("dropping malformed feed message")
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			n.log.WithError(err).WithField("duel_id", duelID).Debug("feed close")
		}
	}
	return out, cancel, nil
}
