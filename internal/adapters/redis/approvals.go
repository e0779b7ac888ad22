// Package redis keeps cross-instance auction state in Redis: pre-approval lists,
// watchlist counts and the pub/sub bridge between notification hubs.
package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/floroz/gavel-live/internal/domain/auctions"
)

func approvedKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:approved", auctionID)
}

func watchersKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:watchers", auctionID)
}

// AudienceStore implements auctions.PreApprovals and auctions.Watchlist on Redis sets
type AudienceStore struct {
	client *redis.Client
}

// NewAudienceStore creates a new Redis-backed audience store
func NewAudienceStore(client *redis.Client) *AudienceStore {
	return &AudienceStore{client: client}
}

var (
	_ auctions.PreApprovals = (*AudienceStore)(nil)
	_ auctions.Watchlist    = (*AudienceStore)(nil)
)

// IsApproved reports whether bidderID is on the auction's pre-approval list
func (s *AudienceStore) IsApproved(ctx context.Context, auctionID, bidderID uuid.UUID) (bool, error) {
	ok, err := s.client.SIsMember(ctx, approvedKey(auctionID), bidderID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check approval: %w", err)
	}
	return ok, nil
}

// Approve adds bidders to the auction's pre-approval list
func (s *AudienceStore) Approve(ctx context.Context, auctionID uuid.UUID, bidderIDs ...uuid.UUID) error {
	if len(bidderIDs) == 0 {
		return nil
	}
	members := make([]any, len(bidderIDs))
	for i, id := range bidderIDs {
		members[i] = id.String()
	}
	if err := s.client.SAdd(ctx, approvedKey(auctionID), members...).Err(); err != nil {
		return fmt.Errorf("failed to approve bidders: %w", err)
	}
	return nil
}

// Revoke removes a bidder from the pre-approval list
func (s *AudienceStore) Revoke(ctx context.Context, auctionID, bidderID uuid.UUID) error {
	if err := s.client.SRem(ctx, approvedKey(auctionID), bidderID.String()).Err(); err != nil {
		return fmt.Errorf("failed to revoke approval: %w", err)
	}
	return nil
}

// Watch adds the user to the auction's watchlist and returns the new count
func (s *AudienceStore) Watch(ctx context.Context, auctionID, userID uuid.UUID) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, watchersKey(auctionID), userID.String())
	count := pipe.SCard(ctx, watchersKey(auctionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to watch auction: %w", err)
	}
	return count.Val(), nil
}

// Unwatch removes the user from the auction's watchlist and returns the new count
func (s *AudienceStore) Unwatch(ctx context.Context, auctionID, userID uuid.UUID) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, watchersKey(auctionID), userID.String())
	count := pipe.SCard(ctx, watchersKey(auctionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to unwatch auction: %w", err)
	}
	return count.Val(), nil
}

// WatchlistCount returns how many users watch the auction
func (s *AudienceStore) WatchlistCount(ctx context.Context, auctionID uuid.UUID) (int64, error) {
	n, err := s.client.SCard(ctx, watchersKey(auctionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count watchers: %w", err)
	}
	return n, nil
}
