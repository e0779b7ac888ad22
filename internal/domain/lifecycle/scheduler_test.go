package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/floroz/gavel-live/internal/adapters/memory"
	"github.com/floroz/gavel-live/internal/domain/auctions"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ListLive(ctx context.Context) ([]*auctions.Auction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*auctions.Auction), args.Error(1)
}

func (m *MockEngine) Advance(ctx context.Context, auctionID uuid.UUID, now time.Time) (*auctions.Auction, error) {
	args := m.Called(ctx, auctionID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auctions.Auction), args.Error(1)
}

type recordedEvent struct {
	auctionID uuid.UUID
	eventType string
	payload   any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Broadcast(auctionID uuid.UUID, eventType string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{auctionID, eventType, payload})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}

type fixedAudience map[uuid.UUID]int

func (a fixedAudience) SubscriberCount(auctionID uuid.UUID) int {
	return a[auctionID]
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_TickContinuesPastFailures(t *testing.T) {
	engine := new(MockEngine)
	okID, failID := uuid.New(), uuid.New()
	okAuction := &auctions.Auction{ID: okID, Status: auctions.StatusActive, EndTime: baseTime.Add(time.Hour)}

	engine.On("ListLive", mock.Anything).Return([]*auctions.Auction{
		{ID: failID, Status: auctions.StatusActive},
		okAuction,
	}, nil)
	engine.On("Advance", mock.Anything, failID, baseTime).Return(nil, errors.New("db down"))
	engine.On("Advance", mock.Anything, okID, baseTime).Return(okAuction, nil)

	s := NewScheduler(engine, time.Second, 4, discardLogger()).
		WithClock(func() time.Time { return baseTime })

	report := s.Tick(context.Background())

	assert.Equal(t, TickReport{Scanned: 2, Failed: 1}, report)
	engine.AssertExpectations(t)
}

func TestScheduler_TickRecoversFromPanics(t *testing.T) {
	engine := new(MockEngine)
	id := uuid.New()
	engine.On("ListLive", mock.Anything).Return([]*auctions.Auction{{ID: id}}, nil)
	engine.On("Advance", mock.Anything, id, mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil, nil)

	s := NewScheduler(engine, time.Second, 1, discardLogger())

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)
}

func TestScheduler_TickListFailure(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ListLive", mock.Anything).Return(nil, errors.New("db down"))

	s := NewScheduler(engine, time.Second, 1, discardLogger())

	assert.Equal(t, TickReport{}, s.Tick(context.Background()))
	engine.AssertNotCalled(t, "Advance", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	engine := new(MockEngine)
	var ticks atomic.Int32
	engine.On("ListLive", mock.Anything).Run(func(mock.Arguments) {
		ticks.Add(1)
	}).Return([]*auctions.Auction{}, nil)

	s := NewScheduler(engine, 10*time.Millisecond, 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// Drives a real service through a full lifecycle with a controllable clock.
func TestScheduler_DrivesAuctionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	notifier := &recordingNotifier{}

	var mu sync.Mutex
	now := baseTime
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	setNow := func(at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		now = at
	}

	cfg := auctions.DefaultConfig()
	audience := fixedAudience{}
	svc := auctions.NewService(store, auctions.NewKeyedLocker(), notifier, nil, nil, cfg, discardLogger()).
		WithClock(clock).
		WithAudience(audience, nil)

	sellerID := uuid.New()
	a, err := svc.CreateAuction(ctx, auctions.CreateAuctionCommand{
		SellerID:      sellerID,
		Title:         "Vintage camera",
		StartingPrice: 10000,
		BidIncrement:  500,
		StartTime:     baseTime.Add(time.Minute),
		EndTime:       baseTime.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	_, err = svc.ScheduleAuction(ctx, a.ID, sellerID)
	require.NoError(t, err)
	audience[a.ID] = 1

	s := NewScheduler(svc, time.Second, 2, discardLogger()).WithClock(clock)

	load := func() *auctions.Auction {
		got, err := svc.GetAuction(ctx, a.ID)
		require.NoError(t, err)
		return got
	}

	s.Tick(ctx)
	assert.Equal(t, auctions.StatusScheduled, load().Status)

	setNow(baseTime.Add(time.Minute))
	s.Tick(ctx)
	assert.Equal(t, auctions.StatusActive, load().Status)

	_, err = svc.PlaceBid(ctx, auctions.PlaceBidCommand{
		AuctionID:  a.ID,
		BidderID:   uuid.New(),
		BidderName: "alice",
		Amount:     10500,
	})
	require.NoError(t, err)

	setNow(baseTime.Add(16 * time.Minute))
	s.Tick(ctx)
	assert.Equal(t, auctions.StatusEndingSoon, load().Status)

	// A second tick inside the window does not warn again.
	setNow(baseTime.Add(17 * time.Minute))
	s.Tick(ctx)

	setNow(baseTime.Add(20 * time.Minute))
	s.Tick(ctx)
	final := load()
	assert.Equal(t, auctions.StatusSold, final.Status)
	assert.Equal(t, int64(10500), final.CurrentPrice)

	ending := 0
	for _, typ := range notifier.types() {
		if typ == auctions.EventAuctionEnding.String() {
			ending++
		}
	}
	assert.Equal(t, 1, ending)
	assert.Contains(t, notifier.types(), auctions.EventCountdownUpdate.String())
	types := notifier.types()
	assert.Equal(t, auctions.EventAuctionEnded.String(), types[len(types)-1])

	// Terminal auctions are no longer scanned.
	assert.Equal(t, 0, s.Tick(ctx).Scanned)
}

type flakySettlement struct {
	calls atomic.Int32
	fails int32
}

func (f *flakySettlement) OnAuctionSold(context.Context, uuid.UUID, uuid.UUID, int64) error {
	if f.calls.Add(1) <= f.fails {
		return errors.New("outbox down")
	}
	return nil
}

// newLiveService returns a service over a memory store holding one auction that
// starts at baseTime+1m and ends at baseTime+20m.
func newLiveService(t *testing.T, settlement auctions.Settlement) (*auctions.Service, *auctions.Auction) {
	t.Helper()
	ctx := context.Background()
	svc := auctions.NewService(memory.NewStore(), auctions.NewKeyedLocker(), nil, nil, settlement, auctions.DefaultConfig(), discardLogger()).
		WithClock(func() time.Time { return baseTime })

	sellerID := uuid.New()
	a, err := svc.CreateAuction(ctx, auctions.CreateAuctionCommand{
		SellerID:      sellerID,
		Title:         "Vintage camera",
		StartingPrice: 10000,
		BidIncrement:  500,
		StartTime:     baseTime.Add(time.Minute),
		EndTime:       baseTime.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	_, err = svc.ScheduleAuction(ctx, a.ID, sellerID)
	require.NoError(t, err)
	return svc, a
}

func TestScheduler_RetriesFailedSettlement(t *testing.T) {
	ctx := context.Background()
	settlement := &flakySettlement{fails: 1}
	svc, a := newLiveService(t, settlement)

	_, err := svc.Advance(ctx, a.ID, baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, auctions.PlaceBidCommand{
		AuctionID:   a.ID,
		BidderID:    uuid.New(),
		BidderName:  "alice",
		Amount:      10500,
		SubmittedAt: baseTime.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	s := NewScheduler(svc, time.Second, 1, discardLogger()).
		WithClock(func() time.Time { return baseTime.Add(20 * time.Minute) })

	report := s.Tick(ctx)
	assert.Equal(t, TickReport{Scanned: 1, Settled: 1}, report)
	assert.Equal(t, int32(2), settlement.calls.Load())
	assert.Equal(t, 0, svc.PendingSettlements())

	assert.Equal(t, TickReport{}, s.Tick(ctx))
	assert.Equal(t, int32(2), settlement.calls.Load())
}

// blockingEngine parks the first Advance until release is closed
type blockingEngine struct {
	Engine
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Advance(ctx context.Context, auctionID uuid.UUID, now time.Time) (*auctions.Auction, error) {
	e.once.Do(func() {
		close(e.entered)
		<-e.release
	})
	return e.Engine.Advance(ctx, auctionID, now)
}

func TestScheduler_RunFinishesTickInFlight(t *testing.T) {
	svc, a := newLiveService(t, nil)
	engine := &blockingEngine{Engine: svc, entered: make(chan struct{}), release: make(chan struct{})}

	s := NewScheduler(engine, time.Hour, 1, discardLogger()).
		WithClock(func() time.Time { return baseTime.Add(time.Minute) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-engine.entered:
	case <-time.After(time.Second):
		t.Fatal("tick never reached Advance")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	got, err := svc.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, auctions.StatusActive, got.Status, "advance started before cancel is persisted")
}
