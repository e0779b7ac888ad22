package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floroz/gavel-live/internal/domain/auctions"
)

func newAuction(status auctions.Status) *auctions.Auction {
	now := time.Now()
	return &auctions.Auction{
		ID:            uuid.New(),
		SellerID:      uuid.New(),
		StartingPrice: 100,
		CurrentPrice:  100,
		BidIncrement:  10,
		Status:        status,
		StartTime:     now,
		EndTime:       now.Add(time.Hour),
	}
}

func TestStore_SaveIsVersioned(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	a := newAuction(auctions.StatusActive)
	require.NoError(t, store.Create(ctx, a))

	first, err := store.Load(ctx, a.ID)
	require.NoError(t, err)
	stale, err := store.Load(ctx, a.ID)
	require.NoError(t, err)

	first.CurrentPrice = 110
	require.NoError(t, store.Save(ctx, first, &auctions.Bid{ID: uuid.New(), AuctionID: a.ID, Amount: 110}))
	assert.Equal(t, int64(1), first.Version)

	stale.CurrentPrice = 120
	err = store.Save(ctx, stale, &auctions.Bid{ID: uuid.New(), AuctionID: a.ID, Amount: 120})
	assert.ErrorIs(t, err, auctions.ErrVersionConflict)

	bids, err := store.ListBids(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1, "a conflicting save appends nothing")
}

func TestStore_SingleWinningBid(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	a := newAuction(auctions.StatusActive)
	require.NoError(t, store.Create(ctx, a))

	for _, amount := range []int64{110, 120, 130} {
		snap, err := store.Load(ctx, a.ID)
		require.NoError(t, err)
		snap.CurrentPrice = amount
		require.NoError(t, store.Save(ctx, snap, &auctions.Bid{ID: uuid.New(), AuctionID: a.ID, Amount: amount}))
	}

	bids, err := store.ListBids(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.False(t, bids[0].IsWinning)
	assert.False(t, bids[1].IsWinning)
	assert.True(t, bids[2].IsWinning)
}

func TestStore_LoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	a := newAuction(auctions.StatusActive)
	require.NoError(t, store.Create(ctx, a))

	loaded, err := store.Load(ctx, a.ID)
	require.NoError(t, err)
	loaded.CurrentPrice = 9999

	again, err := store.Load(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.CurrentPrice)

	_, err = store.Load(ctx, uuid.New())
	assert.ErrorIs(t, err, auctions.ErrAuctionNotFound)
}

func TestStore_ListLive(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, status := range []auctions.Status{
		auctions.StatusDraft, auctions.StatusScheduled, auctions.StatusActive,
		auctions.StatusEndingSoon, auctions.StatusEnded, auctions.StatusSold, auctions.StatusCancelled,
	} {
		require.NoError(t, store.Create(ctx, newAuction(status)))
	}

	live, err := store.ListLive(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 3)
	for _, a := range live {
		assert.False(t, a.Status.IsTerminal())
		assert.NotEqual(t, auctions.StatusDraft, a.Status)
	}
}
