package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const relayPattern = "board:*:events"

func relayChannel(boardID string) string {
	return "board:" + boardID + ":events"
}

// Relay bridges committed events across instances over redis pub/sub. Redis
// preserves publish order per channel, so per-board ordering survives the hop.
type Relay struct {
	client *redis.Client
	logger *log.Logger
}

func NewRelay(client *redis.Client, logger *log.Logger) *Relay {
	return &Relay{client: client, logger: logger}
}

func (r *Relay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, relayChannel(ev.BoardID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run consumes relayed events until ctx is cancelled, reconnecting when the
// subscription drops.
func (r *Relay) Run(ctx context.Context, handle func(Event)) {
	for {
		sub := r.client.PSubscribe(ctx, relayPattern)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.WithError(err).Error("unable to parse relayed event")
					continue
				}
				handle(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
