package auctions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeStore is a versioned in-memory Store. saveErr, when set, fails every Save.
type fakeStore struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]*Auction
	bids     map[uuid.UUID][]*Bid
	saveErr  error
	saves    int
}

func newFakeStore(seed ...*Auction) *fakeStore {
	s := &fakeStore{auctions: map[uuid.UUID]*Auction{}, bids: map[uuid.UUID][]*Bid{}}
	for _, a := range seed {
		s.auctions[a.ID] = a.Clone()
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, a *Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *fakeStore) Load(_ context.Context, id uuid.UUID) (*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return a.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, snap *Auction, bid *Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.auctions[snap.ID].Version != snap.Version {
		return ErrVersionConflict
	}
	if bid != nil {
		for _, b := range s.bids[snap.ID] {
			b.IsWinning = false
		}
		c := *bid
		s.bids[snap.ID] = append(s.bids[snap.ID], &c)
	}
	snap.Version++
	s.auctions[snap.ID] = snap.Clone()
	return nil
}

func (s *fakeStore) ListLive(_ context.Context) ([]*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Auction
	for _, a := range s.auctions {
		if a.Status == StatusScheduled || a.Status.IsLive() {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) ListBids(_ context.Context, id uuid.UUID) ([]*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Bid, 0, len(s.bids[id]))
	for _, b := range s.bids[id] {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

type recordedEvent struct {
	AuctionID uuid.UUID
	Type      string
	Payload   any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Broadcast(id uuid.UUID, eventType string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{AuctionID: id, Type: eventType, Payload: payload})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

// MockSettlement is a mock implementation of Settlement for testing
type MockSettlement struct {
	mock.Mock
}

func (m *MockSettlement) OnAuctionSold(ctx context.Context, auctionID, winnerID uuid.UUID, amount int64) error {
	args := m.Called(ctx, auctionID, winnerID, amount)
	return args.Error(0)
}

// MockPreApprovals is a mock implementation of PreApprovals for testing
type MockPreApprovals struct {
	mock.Mock
}

func (m *MockPreApprovals) IsApproved(ctx context.Context, auctionID, bidderID uuid.UUID) (bool, error) {
	args := m.Called(ctx, auctionID, bidderID)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	store      *fakeStore
	notifier   *recordingNotifier
	settlement *MockSettlement
	approvals  *MockPreApprovals
	service    *Service
	clock      time.Time
}

func newFixture(t *testing.T, seed ...*Auction) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeStore(seed...),
		notifier:   &recordingNotifier{},
		settlement: &MockSettlement{},
		approvals:  &MockPreApprovals{},
		clock:      baseTime,
	}
	cfg := Config{
		Policy:      Policy{EndingSoonThreshold: 5 * time.Minute, ExtensionDuration: 5 * time.Minute, MaxAutoExtensions: 10},
		LockTimeout: 500 * time.Millisecond,
		MaxAttempts: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(f.store, NewKeyedLocker(), f.notifier, f.approvals, f.settlement, cfg, logger).
		WithClock(func() time.Time { return f.clock })
	return f
}

func bidCmd(a *Auction, bidder uuid.UUID, amount int64) PlaceBidCommand {
	return PlaceBidCommand{AuctionID: a.ID, BidderID: bidder, BidderName: bidder.String()[:8], Amount: amount}
}

func TestService_PlaceBid_Scenario1(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()

	first, err := f.service.PlaceBid(ctx, bidCmd(a, userA, 110))
	require.NoError(t, err)
	assert.Equal(t, int64(110), first.Auction.CurrentPrice)
	assert.Equal(t, userA, *first.Auction.WinnerID)

	_, err = f.service.PlaceBid(ctx, bidCmd(a, userB, 105))
	assert.ErrorIs(t, err, RejectAmountTooLow)

	second, err := f.service.PlaceBid(ctx, bidCmd(a, userB, 150))
	require.NoError(t, err)
	assert.Equal(t, int64(150), second.Auction.CurrentPrice)
	assert.Equal(t, userB, *second.Auction.WinnerID)
	require.NotNil(t, second.PreviousWinningID)
	assert.Equal(t, first.Bid.ID, *second.PreviousWinningID)

	bids, err := f.store.ListBids(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].IsWinning, "A's bid is superseded")
	assert.True(t, bids[1].IsWinning)

	assert.Equal(t, []string{"BidUpdate", "BidUpdate"}, f.notifier.types())
	update := f.notifier.events[1].Payload.(BidUpdate)
	assert.EqualValues(t, 150, update.HighestBid)
	assert.EqualValues(t, 160, update.NextMinimumBid)
	assert.Equal(t, 2, update.BidCount)
}

func TestService_PlaceBid_Scenario2_AutoExtend(t *testing.T) {
	a := liveAuction()
	a.AutoExtend = true
	a.ExtendWindow = 2 * time.Minute
	a.EndTime = baseTime.Add(time.Minute) // bid arrives at T-1m
	endTime := a.EndTime
	f := newFixture(t, a)

	res, err := f.service.PlaceBid(context.Background(), bidCmd(a, uuid.New(), 110))
	require.NoError(t, err)
	assert.True(t, res.Extended)
	assert.Equal(t, endTime.Add(5*time.Minute), res.Auction.EndTime)

	assert.Equal(t, []string{"BidUpdate", "AuctionExtended"}, f.notifier.types())
	ext := f.notifier.events[1].Payload.(AuctionExtended)
	assert.Equal(t, 5, ext.ExtensionMinutes)
}

func TestService_PlaceBid_Scenario3_Concurrent(t *testing.T) {
	a := liveAuction()
	a.CurrentPrice = 190
	f := newFixture(t, a)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(map[int64]error)
	var mu sync.Mutex
	for _, amount := range []int64{200, 210} {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := f.service.PlaceBid(ctx, bidCmd(a, uuid.New(), amount))
			mu.Lock()
			results[amount] = err
			mu.Unlock()
		}(amount)
	}
	wg.Wait()

	final, err := f.store.Load(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(210), final.CurrentPrice)
	require.NoError(t, results[210])

	bids, _ := f.store.ListBids(ctx, a.ID)
	assert.Equal(t, final.BidCount, len(bids))
	if results[200] == nil {
		// 200 was serialized first
		require.Len(t, bids, 2)
		assert.Equal(t, int64(200), bids[0].Amount)
	} else {
		assert.ErrorIs(t, results[200], RejectAmountTooLow)
		require.Len(t, bids, 1)
	}
}

func TestService_PlaceBid_Scenario5_BuyNow(t *testing.T) {
	a := liveAuction()
	a.BuyNowPrice = ptr(int64(1000))
	f := newFixture(t, a)
	ctx := context.Background()
	buyer := uuid.New()

	f.settlement.On("OnAuctionSold", mock.Anything, a.ID, buyer, int64(1000)).Return(nil).Once()

	res, err := f.service.PlaceBid(ctx, bidCmd(a, buyer, 1000))
	require.NoError(t, err)
	assert.True(t, res.Sold)
	assert.Equal(t, StatusSold, res.Auction.Status)

	_, err = f.service.PlaceBid(ctx, bidCmd(a, uuid.New(), 2000))
	assert.ErrorIs(t, err, RejectInvalidState)

	assert.Equal(t, []string{"BidUpdate", "AuctionEnded"}, f.notifier.types())
	f.settlement.AssertExpectations(t)
}

func TestService_PlaceBid_ResubmittedBidRejected(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	cmd := bidCmd(a, uuid.New(), 110)

	_, err := f.service.PlaceBid(context.Background(), cmd)
	require.NoError(t, err)

	_, err = f.service.PlaceBid(context.Background(), cmd)
	assert.ErrorIs(t, err, RejectAmountTooLow)
}

func TestService_PlaceBid_PersistenceFailure(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	f.store.saveErr = errors.New("connection reset")

	_, err := f.service.PlaceBid(context.Background(), bidCmd(a, uuid.New(), 110))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, IsTransient(err))
	assert.Empty(t, f.notifier.types(), "nothing is broadcast for a failed write")

	f.store.saveErr = nil
	stored, err := f.store.Load(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.CurrentPrice)
	assert.Equal(t, 0, stored.BidCount)
}

func TestService_PlaceBid_VersionConflictExhaustsRetries(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	f.store.saveErr = ErrVersionConflict

	_, err := f.service.PlaceBid(context.Background(), bidCmd(a, uuid.New(), 110))
	assert.ErrorIs(t, err, ErrContention)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, f.store.saves)
}

func TestService_PlaceBid_LockTimeout(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	f.service.cfg.LockTimeout = 10 * time.Millisecond

	release, err := f.service.locks.Lock(context.Background(), a.ID)
	require.NoError(t, err)
	defer release()

	_, err = f.service.PlaceBid(context.Background(), bidCmd(a, uuid.New(), 110))
	assert.ErrorIs(t, err, ErrContention)
}

func TestService_PlaceBid_PreApproval(t *testing.T) {
	a := liveAuction()
	a.RequiresPreApproval = true
	f := newFixture(t, a)
	approved, stranger := uuid.New(), uuid.New()

	f.approvals.On("IsApproved", mock.Anything, a.ID, approved).Return(true, nil)
	f.approvals.On("IsApproved", mock.Anything, a.ID, stranger).Return(false, nil)

	_, err := f.service.PlaceBid(context.Background(), bidCmd(a, stranger, 110))
	assert.ErrorIs(t, err, RejectNotPreApproved)

	_, err = f.service.PlaceBid(context.Background(), bidCmd(a, approved, 110))
	assert.NoError(t, err)

	// rejected before the lookup
	_, err = f.service.PlaceBid(context.Background(), bidCmd(a, stranger, 1))
	assert.ErrorIs(t, err, RejectAmountTooLow)
	f.approvals.AssertNumberOfCalls(t, "IsApproved", 2)
}

func TestService_PlaceBid_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.PlaceBid(context.Background(), PlaceBidCommand{AuctionID: uuid.New(), BidderID: uuid.New(), Amount: 10})
	assert.ErrorIs(t, err, ErrAuctionNotFound)
}

func TestService_GetNextMinimumBid_And_ValidateBid(t *testing.T) {
	a := liveAuction()
	f := newFixture(t, a)
	ctx := context.Background()

	minBid, err := f.service.GetNextMinimumBid(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(110), minBid)

	ok, err := f.service.ValidateBid(ctx, a.ID, uuid.New(), 110)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.service.ValidateBid(ctx, a.ID, a.SellerID, 110)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.service.CheckBid(ctx, a.ID, a.SellerID, 110), RejectSelfBid)

	_, err = f.service.ValidateBid(ctx, uuid.New(), uuid.New(), 110)
	assert.ErrorIs(t, err, ErrAuctionNotFound)

	stored, _ := f.store.Load(ctx, a.ID)
	assert.Equal(t, int64(0), stored.Version, "dry runs never write")
}

func TestService_Advance(t *testing.T) {
	ctx := context.Background()

	t.Run("scenario 4: no bids ends without handoff", func(t *testing.T) {
		a := liveAuction()
		f := newFixture(t, a)

		res, err := f.service.Advance(ctx, a.ID, a.EndTime)
		require.NoError(t, err)
		assert.Equal(t, StatusEnded, res.Status)
		assert.Nil(t, res.WinnerID)
		assert.Equal(t, []string{"AuctionEnded"}, f.notifier.types())
		f.settlement.AssertNotCalled(t, "OnAuctionSold", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sold auction is handed off", func(t *testing.T) {
		a := liveAuction()
		f := newFixture(t, a)
		winner := uuid.New()
		_, err := f.service.PlaceBid(ctx, bidCmd(a, winner, 150))
		require.NoError(t, err)

		f.settlement.On("OnAuctionSold", mock.Anything, a.ID, winner, int64(150)).Return(nil).Once()
		res, err := f.service.Advance(ctx, a.ID, a.EndTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, StatusSold, res.Status)

		ended := f.notifier.events[len(f.notifier.events)-1].Payload.(AuctionEnded)
		require.NotNil(t, ended.WinningBid)
		assert.EqualValues(t, 150, *ended.WinningBid)
		f.settlement.AssertExpectations(t)
	})

	t.Run("activates scheduled auctions", func(t *testing.T) {
		a := liveAuction()
		a.Status = StatusScheduled
		f := newFixture(t, a)

		res, err := f.service.Advance(ctx, a.ID, baseTime)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, res.Status)
		assert.Equal(t, []string{"LiveUpdate"}, f.notifier.types())
	})

	t.Run("ending soon is announced once", func(t *testing.T) {
		a := liveAuction()
		a.EndTime = baseTime.Add(3 * time.Minute)
		f := newFixture(t, a)

		res, err := f.service.Advance(ctx, a.ID, baseTime)
		require.NoError(t, err)
		assert.Equal(t, StatusEndingSoon, res.Status)

		_, err = f.service.Advance(ctx, a.ID, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"AuctionEnding"}, f.notifier.types())
	})

	t.Run("long pause is corrected in one step", func(t *testing.T) {
		a := liveAuction()
		a.Status = StatusScheduled
		f := newFixture(t, a)

		res, err := f.service.Advance(ctx, a.ID, a.EndTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, StatusEnded, res.Status)
		assert.Equal(t, []string{"LiveUpdate", "AuctionEnded"}, f.notifier.types())
	})

	t.Run("nothing due leaves the auction untouched", func(t *testing.T) {
		a := liveAuction()
		f := newFixture(t, a)

		_, err := f.service.Advance(ctx, a.ID, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 0, f.store.saves)
		assert.Empty(t, f.notifier.types())
	})
}

func TestService_CancelAuction(t *testing.T) {
	ctx := context.Background()
	a := liveAuction()
	f := newFixture(t, a)

	_, err := f.service.CancelAuction(ctx, a.ID, uuid.New())
	assert.ErrorIs(t, err, ErrUnauthorized)

	res, err := f.service.CancelAuction(ctx, a.ID, a.SellerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	_, err = f.service.CancelAuction(ctx, a.ID, a.SellerID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.PlaceBid(ctx, bidCmd(a, uuid.New(), 500))
	assert.ErrorIs(t, err, RejectInvalidState)
}

func TestService_CreateAndScheduleAuction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := uuid.New()

	valid := CreateAuctionCommand{
		SellerID:      seller,
		Title:         "Signed vinyl",
		StartingPrice: 1000,
		BidIncrement:  100,
		StartTime:     baseTime.Add(time.Hour),
		EndTime:       baseTime.Add(25 * time.Hour),
	}

	tests := []struct {
		name    string
		mutate  func(c *CreateAuctionCommand)
		wantErr error
	}{
		{name: "zero starting price", mutate: func(c *CreateAuctionCommand) { c.StartingPrice = 0 }, wantErr: ErrInvalidStartingPrice},
		{name: "zero increment", mutate: func(c *CreateAuctionCommand) { c.BidIncrement = 0 }, wantErr: ErrInvalidIncrement},
		{name: "end before start", mutate: func(c *CreateAuctionCommand) { c.EndTime = c.StartTime }, wantErr: ErrInvalidSchedule},
		{name: "buy-now below start", mutate: func(c *CreateAuctionCommand) { c.BuyNowPrice = ptr(int64(500)) }, wantErr: ErrInvalidBuyNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid
			tt.mutate(&cmd)
			_, err := f.service.CreateAuction(ctx, cmd)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("missing title fails struct validation", func(t *testing.T) {
		cmd := valid
		cmd.Title = ""
		_, err := f.service.CreateAuction(ctx, cmd)
		assert.Error(t, err)
	})

	created, err := f.service.CreateAuction(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, created.Status)
	assert.Equal(t, int64(1000), created.CurrentPrice)

	scheduled, err := f.service.ScheduleAuction(ctx, created.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, scheduled.Status)
}

type fixedAudience map[uuid.UUID]int

func (a fixedAudience) SubscriberCount(auctionID uuid.UUID) int {
	return a[auctionID]
}

// A bid racing the finalization of its auction is either applied before the
// terminal save or rejected after it. Nothing is written after the auction ends.
func TestService_PlaceBid_RacesFinalization(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		a := liveAuction()
		a.EndTime = baseTime.Add(time.Second)
		f := newFixture(t, a)
		f.settlement.On("OnAuctionSold", mock.Anything, a.ID, mock.Anything, int64(110)).Return(nil).Maybe()
		bidder := uuid.New()

		var (
			wg         sync.WaitGroup
			bidErr     error
			advanceErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, bidErr = f.service.PlaceBid(ctx, bidCmd(a, bidder, 110))
		}()
		go func() {
			defer wg.Done()
			<-start
			_, advanceErr = f.service.Advance(ctx, a.ID, a.EndTime)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, advanceErr)
		final, err := f.store.Load(ctx, a.ID)
		require.NoError(t, err)
		bids, err := f.store.ListBids(ctx, a.ID)
		require.NoError(t, err)

		if bidErr == nil {
			assert.Equal(t, StatusSold, final.Status)
			require.NotNil(t, final.WinnerID)
			assert.Equal(t, bidder, *final.WinnerID)
			assert.Equal(t, int64(110), final.CurrentPrice)
			assert.Equal(t, 1, final.BidCount)
			require.Len(t, bids, 1)
			assert.Equal(t, []string{"BidUpdate", "AuctionEnded"}, f.notifier.types())
			f.settlement.AssertNumberOfCalls(t, "OnAuctionSold", 1)
		} else {
			assert.ErrorIs(t, bidErr, RejectInvalidState)
			assert.Equal(t, StatusEnded, final.Status)
			assert.Nil(t, final.WinnerID)
			assert.Zero(t, final.BidCount)
			assert.Empty(t, bids)
			assert.Equal(t, []string{"AuctionEnded"}, f.notifier.types())
			f.settlement.AssertNotCalled(t, "OnAuctionSold", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		}
	}
}

func TestService_RetrySettlements(t *testing.T) {
	ctx := context.Background()
	winner := uuid.New()

	tests := []struct {
		name   string
		buyNow *int64
		sell   func(f *fixture, a *Auction)
	}{
		{
			name: "finalized by the scheduler",
			sell: func(f *fixture, a *Auction) {
				_, err := f.service.PlaceBid(ctx, bidCmd(a, winner, 150))
				require.NoError(t, err)
				res, err := f.service.Advance(ctx, a.ID, a.EndTime)
				require.NoError(t, err)
				assert.Equal(t, StatusSold, res.Status)
			},
		},
		{
			name:   "bought now",
			buyNow: ptr(int64(150)),
			sell: func(f *fixture, a *Auction) {
				res, err := f.service.PlaceBid(ctx, bidCmd(a, winner, 150))
				require.NoError(t, err)
				assert.True(t, res.Sold)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := liveAuction()
			a.BuyNowPrice = tt.buyNow
			f := newFixture(t, a)
			f.settlement.On("OnAuctionSold", mock.Anything, a.ID, winner, int64(150)).Return(errors.New("outbox down")).Once()
			f.settlement.On("OnAuctionSold", mock.Anything, a.ID, winner, int64(150)).Return(nil).Once()

			tt.sell(f, a)
			assert.Equal(t, 1, f.service.PendingSettlements(), "failed hand-off is queued")

			live, err := f.service.ListLive(ctx)
			require.NoError(t, err)
			assert.Empty(t, live, "sold auction is no longer scanned")

			assert.Equal(t, 1, f.service.RetrySettlements(ctx))
			assert.Equal(t, 0, f.service.PendingSettlements())
			assert.Equal(t, 0, f.service.RetrySettlements(ctx))
			f.settlement.AssertNumberOfCalls(t, "OnAuctionSold", 2)
		})
	}

	t.Run("still failing stays queued", func(t *testing.T) {
		a := liveAuction()
		f := newFixture(t, a)
		f.settlement.On("OnAuctionSold", mock.Anything, a.ID, winner, int64(150)).Return(errors.New("outbox down"))

		_, err := f.service.PlaceBid(ctx, bidCmd(a, winner, 150))
		require.NoError(t, err)
		_, err = f.service.Advance(ctx, a.ID, a.EndTime)
		require.NoError(t, err)

		assert.Equal(t, 0, f.service.RetrySettlements(ctx))
		assert.Equal(t, 1, f.service.PendingSettlements())
	})
}

func TestService_Advance_Countdown(t *testing.T) {
	ctx := context.Background()

	t.Run("only watched live auctions get a countdown", func(t *testing.T) {
		watched := liveAuction()
		watched.EndTime = baseTime.Add(90 * time.Second)
		unwatched := liveAuction()
		ended := liveAuction()
		ended.EndTime = baseTime

		f := newFixture(t, watched, unwatched, ended)
		f.service.WithAudience(fixedAudience{watched.ID: 2, ended.ID: 1}, nil)

		for _, a := range []*Auction{watched, unwatched, ended} {
			_, err := f.service.Advance(ctx, a.ID, baseTime)
			require.NoError(t, err)
		}

		var countdowns []recordedEvent
		for _, ev := range f.notifier.events {
			if ev.Type == EventCountdownUpdate.String() {
				countdowns = append(countdowns, ev)
			}
		}
		require.Len(t, countdowns, 1)
		assert.Equal(t, watched.ID, countdowns[0].AuctionID)
		countdown := countdowns[0].Payload.(CountdownUpdate)
		assert.Equal(t, int64(90), countdown.TimeRemaining)
		assert.True(t, countdown.IsEnding)
	})

	t.Run("countdown never predates an extension it follows", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			a := liveAuction()
			a.AutoExtend = true
			a.ExtendWindow = 2 * time.Minute
			a.EndTime = baseTime.Add(time.Minute)
			f := newFixture(t, a)
			f.service.WithAudience(fixedAudience{a.ID: 1}, nil)

			var wg sync.WaitGroup
			start := make(chan struct{})
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				_, err := f.service.PlaceBid(ctx, bidCmd(a, uuid.New(), 110))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				<-start
				_, err := f.service.Advance(ctx, a.ID, baseTime)
				assert.NoError(t, err)
			}()
			close(start)
			wg.Wait()

			var extendedEnd *time.Time
			for _, ev := range f.notifier.events {
				switch p := ev.Payload.(type) {
				case AuctionExtended:
					end := p.EndTime
					extendedEnd = &end
				case CountdownUpdate:
					if extendedEnd != nil {
						assert.Equal(t, int64(extendedEnd.Sub(baseTime)/time.Second), p.TimeRemaining)
					} else {
						assert.Equal(t, int64(60), p.TimeRemaining)
					}
				}
			}
			require.NotNil(t, extendedEnd)
		}
	})
}
