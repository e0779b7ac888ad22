// Package events turns auction outcomes into outbox events for downstream services.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/gavel-live/internal/domain/auctions"
	pkgdb "github.com/floroz/gavel-live/pkg/database"
	pkgevents "github.com/floroz/gavel-live/pkg/events"
	"github.com/floroz/gavel-live/pkg/money"
)

// EventTypeAuctionSold is the routing key of the settlement hand-off
const EventTypeAuctionSold = "auction.sold"

// soldNamespace seeds the deterministic IDs of auction.sold events
var soldNamespace = uuid.MustParse("5b1f3c7e-2a4d-4f0e-9d8c-6a7b8c9d0e1f")

// OutboxWriter stores outbox events
type OutboxWriter interface {
	SaveEvent(ctx context.Context, db pkgdb.DBTX, event *pkgevents.OutboxEvent) (bool, error)
}

// OutboxSettlement implements auctions.Settlement by writing an auction.sold event to
// the outbox. The event ID is derived from the auction ID, so repeated hand-offs for
// the same auction produce exactly one event.
type OutboxSettlement struct {
	outbox OutboxWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewOutboxSettlement creates a new settlement hand-off
func NewOutboxSettlement(outbox OutboxWriter, logger *slog.Logger) *OutboxSettlement {
	return &OutboxSettlement{outbox: outbox, logger: logger, now: time.Now}
}

var _ auctions.Settlement = (*OutboxSettlement)(nil)

// SoldEventID returns the outbox ID of an auction's sold event
func SoldEventID(auctionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(soldNamespace, auctionID[:])
}

// OnAuctionSold records that winnerID bought the auction for amount
func (s *OutboxSettlement) OnAuctionSold(ctx context.Context, auctionID, winnerID uuid.UUID, amount int64) error {
	return s.save(ctx, nil, auctionID, winnerID, amount)
}

// RecordSold writes the sold event of a through db, normally the transaction that
// saves the sold snapshot
func (s *OutboxSettlement) RecordSold(ctx context.Context, db pkgdb.DBTX, a *auctions.Auction) error {
	if a.WinnerID == nil {
		return fmt.Errorf("auction %s has no winner", a.ID)
	}
	return s.save(ctx, db, a.ID, *a.WinnerID, a.CurrentPrice)
}

func (s *OutboxSettlement) save(ctx context.Context, db pkgdb.DBTX, auctionID, winnerID uuid.UUID, amount int64) error {
	now := s.now().UTC()
	payload, err := EncodeAuctionSold(auctionID, winnerID, amount, now)
	if err != nil {
		return err
	}

	inserted, err := s.outbox.SaveEvent(ctx, db, &pkgevents.OutboxEvent{
		ID:          SoldEventID(auctionID),
		AggregateID: auctionID,
		EventType:   EventTypeAuctionSold,
		Payload:     payload,
		Status:      pkgevents.OutboxStatusPending,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to save settlement event: %w", err)
	}

	if inserted {
		s.logger.Info("Settlement queued", "auction_id", auctionID, "winner_id", winnerID, "amount", money.Cents(amount).String())
	} else {
		s.logger.Debug("Settlement already queued", "auction_id", auctionID)
	}
	return nil
}

// EncodeAuctionSold builds the protobuf payload of an auction.sold event
func EncodeAuctionSold(auctionID, winnerID uuid.UUID, amount int64, soldAt time.Time) ([]byte, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"auctionId":   auctionID.String(),
		"winnerId":    winnerID.String(),
		"amountCents": amount,
		"amount":      money.Cents(amount).String(),
		"soldAt":      soldAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build settlement payload: %w", err)
	}

	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement payload: %w", err)
	}
	return body, nil
}

// DecodeAuctionSold parses an auction.sold payload
func DecodeAuctionSold(body []byte) (*structpb.Struct, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement payload: %w", err)
	}
	return &msg, nil
}
