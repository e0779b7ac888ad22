package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/gavel-live/internal/notify"
)

const channelPrefix = "auction_events:"

// ChannelFor returns the pub/sub channel of an auction
func ChannelFor(auctionID uuid.UUID) string {
	return channelPrefix + auctionID.String()
}

// Deliverer hands envelopes received from peers to local subscribers
type Deliverer interface {
	Deliver(env notify.Envelope)
}

type wireMessage struct {
	Origin   string          `json:"origin"`
	Envelope notify.Envelope `json:"envelope"`
}

// Bridge fans hub broadcasts out to other instances over Redis pub/sub and
// delivers their broadcasts to this instance's subscribers.
// Envelopes published by this instance are ignored on the way back in.
type Bridge struct {
	client     *redis.Client
	hub        Deliverer
	instanceID string
	outbound   chan notify.Envelope
	logger     *slog.Logger
}

// NewBridge creates a bridge. buffer bounds how many envelopes may wait for Redis
// before new ones are dropped.
func NewBridge(client *redis.Client, hub Deliverer, instanceID string, buffer int, logger *slog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bridge{
		client:     client,
		hub:        hub,
		instanceID: instanceID,
		outbound:   make(chan notify.Envelope, buffer),
		logger:     logger,
	}
}

var _ notify.Forwarder = (*Bridge)(nil)

// Forward queues env for publication without blocking the broadcaster
func (b *Bridge) Forward(env notify.Envelope) {
	select {
	case b.outbound <- env:
	default:
		b.logger.Warn("Dropping envelope, redis bridge is backed up", "auction_id", env.AuctionID, "type", env.Type)
	}
}

// Run publishes queued envelopes and delivers remote ones until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to auction events: %w", err)
	}

	b.logger.Info("Redis bridge started", "instance_id", b.instanceID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.publishLoop(gctx)
	})
	g.Go(func() error {
		return b.receiveLoop(gctx, pubsub.Channel())
	})

	err := g.Wait()
	b.logger.Info("Redis bridge stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-b.outbound:
			body, err := json.Marshal(wireMessage{Origin: b.instanceID, Envelope: env})
			if err != nil {
				b.logger.Error("Failed to encode envelope", "auction_id", env.AuctionID, "error", err)
				continue
			}
			if err := b.client.Publish(ctx, ChannelFor(env.AuctionID), body).Err(); err != nil {
				b.logger.Error("Failed to publish envelope", "auction_id", env.AuctionID, "error", err)
			}
		}
	}
}

func (b *Bridge) receiveLoop(ctx context.Context, ch <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(msg *redis.Message) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
		b.logger.Warn("Failed to parse remote envelope", "channel", msg.Channel, "error", err)
		return
	}
	if wire.Origin == b.instanceID {
		return
	}

	auctionID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, channelPrefix))
	if err != nil || auctionID != wire.Envelope.AuctionID {
		b.logger.Warn("Envelope does not match its channel", "channel", msg.Channel)
		return
	}
	b.hub.Deliver(wire.Envelope)
}
