package auctions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var errLockTimeout = errors.New("timed out waiting for auction lock")

// PlaceBidCommand is a bid submission
type PlaceBidCommand struct {
	AuctionID  uuid.UUID
	BidderID   uuid.UUID
	BidderName string
	Amount     int64
	// SubmittedAt defaults to the service clock when zero
	SubmittedAt time.Time
}

// BidAccepted is the result of a successful PlaceBid
type BidAccepted struct {
	Bid               *Bid
	Auction           *Auction
	PreviousWinningID *uuid.UUID
	Extended          bool
	Sold              bool
}

// CreateAuctionCommand represents the command to create a draft auction
type CreateAuctionCommand struct {
	SellerID            uuid.UUID `validate:"required"`
	Title               string    `validate:"required,max=200"`
	StartingPrice       int64
	BidIncrement        int64
	BuyNowPrice         *int64
	ReservePrice        *int64
	StartTime           time.Time `validate:"required"`
	EndTime             time.Time `validate:"required"`
	AutoExtend          bool
	ExtendWindow        time.Duration `validate:"gte=0"`
	MaxAutoExtensions   *int          `validate:"omitempty,gte=0"`
	MaxBids             *int          `validate:"omitempty,gt=0"`
	RequiresPreApproval bool
}

// Config tunes the processor
type Config struct {
	Policy Policy
	// LockTimeout bounds a single wait for exclusive access to an auction
	LockTimeout time.Duration
	// MaxAttempts bounds retries on lock timeouts and version conflicts
	MaxAttempts int
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		Policy:      DefaultPolicy(),
		LockTimeout: 2 * time.Second,
		MaxAttempts: 3,
	}
}

// Service implements bid processing and lifecycle transitions. Every mutation of an
// auction runs under the auction's lock and is persisted with a version check.
type Service struct {
	store      Store
	locks      *KeyedLocker
	notifier   Notifier
	approvals  PreApprovals
	settlement Settlement
	audience   Audience
	watchlist  Watchlist
	validate   *validator.Validate
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// sold auctions whose settlement hand-off failed, retried by RetrySettlements
	pendingMu sync.Mutex
	pending   map[uuid.UUID]*Auction
}

// NewService creates a new auction service. approvals, settlement and notifier may be nil.
func NewService(
	store Store,
	locks *KeyedLocker,
	notifier Notifier,
	approvals PreApprovals,
	settlement Settlement,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		locks:      locks,
		notifier:   notifier,
		approvals:  approvals,
		settlement: settlement,
		validate:   validator.New(),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[uuid.UUID]*Auction),
	}
}

// WithAudience sets the sources used for LiveUpdate counts
func (s *Service) WithAudience(audience Audience, watchlist Watchlist) *Service {
	s.audience = audience
	s.watchlist = watchlist
	return s
}

// WithClock replaces the wall clock, for tests and simulations
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the lifecycle policy in effect
func (s *Service) Policy() Policy {
	return s.cfg.Policy
}

// CreateAuction validates and stores a new draft auction
func (s *Service) CreateAuction(ctx context.Context, cmd CreateAuctionCommand) (*Auction, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid auction: %w", err)
	}
	if cmd.StartingPrice <= 0 {
		return nil, ErrInvalidStartingPrice
	}
	if cmd.BidIncrement <= 0 {
		return nil, ErrInvalidIncrement
	}
	if !cmd.EndTime.After(cmd.StartTime) {
		return nil, ErrInvalidSchedule
	}
	if cmd.BuyNowPrice != nil && *cmd.BuyNowPrice <= cmd.StartingPrice {
		return nil, ErrInvalidBuyNow
	}

	now := s.now()
	auction := &Auction{
		ID:                  uuid.New(),
		SellerID:            cmd.SellerID,
		Title:               cmd.Title,
		StartingPrice:       cmd.StartingPrice,
		CurrentPrice:        cmd.StartingPrice,
		BidIncrement:        cmd.BidIncrement,
		BuyNowPrice:         cmd.BuyNowPrice,
		ReservePrice:        cmd.ReservePrice,
		Status:              StatusDraft,
		StartTime:           cmd.StartTime,
		EndTime:             cmd.EndTime,
		AutoExtend:          cmd.AutoExtend,
		ExtendWindow:        cmd.ExtendWindow,
		MaxAutoExtensions:   cmd.MaxAutoExtensions,
		MaxBids:             cmd.MaxBids,
		RequiresPreApproval: cmd.RequiresPreApproval,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, auction); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}
	return auction, nil
}

// GetAuction returns the latest snapshot of an auction
func (s *Service) GetAuction(ctx context.Context, auctionID uuid.UUID) (*Auction, error) {
	return s.load(ctx, auctionID)
}

// ListBids returns the bid history of an auction
func (s *Service) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	bids, err := s.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

// GetNextMinimumBid returns the lowest amount a regular bid must reach
func (s *Service) GetNextMinimumBid(ctx context.Context, auctionID uuid.UUID) (int64, error) {
	a, err := s.load(ctx, auctionID)
	if err != nil {
		return 0, err
	}
	return a.NextMinimumBid(), nil
}

// CheckBid runs the validator against the current snapshot without mutating anything.
// It returns the Rejection when the bid would be refused.
func (s *Service) CheckBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64) error {
	a, err := s.load(ctx, auctionID)
	if err != nil {
		return err
	}
	_, err = s.validateCandidate(ctx, a, Candidate{
		BidderID:    bidderID,
		Amount:      amount,
		SubmittedAt: s.now(),
	})
	return err
}

// ValidateBid is the boolean form of CheckBid. The error is non-nil only when the
// answer could not be determined.
func (s *Service) ValidateBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64) (bool, error) {
	err := s.CheckBid(ctx, auctionID, bidderID, amount)
	if err == nil {
		return true, nil
	}
	if _, ok := AsRejection(err); ok {
		return false, nil
	}
	return false, err
}

// PlaceBid validates and applies a bid under the auction's lock, persists it, and
// broadcasts the resulting events in order.
func (s *Service) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*BidAccepted, error) {
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = s.now()
	}

	var result *BidAccepted
	err := s.withRetry(ctx, cmd.AuctionID, func(ctx context.Context) error {
		var err error
		result, err = s.placeBid(ctx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) placeBid(ctx context.Context, cmd PlaceBidCommand) (*BidAccepted, error) {
	current, err := s.load(ctx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	decision, err := s.validateCandidate(ctx, current, Candidate{
		BidderID:    cmd.BidderID,
		Amount:      cmd.Amount,
		SubmittedAt: cmd.SubmittedAt,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	bid := &Bid{
		ID:         uuid.New(),
		BidderID:   cmd.BidderID,
		BidderName: cmd.BidderName,
		Amount:     cmd.Amount,
		CreatedAt:  now,
	}

	next := current.Clone()
	tr := next.ApplyBid(bid, decision, now, s.cfg.Policy)

	if err := s.store.Save(ctx, next, bid); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.notifier.Broadcast(next.ID, EventBidUpdate.String(), newBidUpdate(next, bid))
	if tr.Extended {
		s.logger.Info("Auction extended", "auction_id", next.ID, "end_time", next.EndTime, "extensions", next.ExtensionCount)
		s.notifier.Broadcast(next.ID, EventAuctionExtended.String(), newAuctionExtended(next, tr.ExtendedBy))
	}
	if tr.Sold {
		s.logger.Info("Auction sold via buy-now", "auction_id", next.ID, "amount", next.CurrentPrice)
		s.handOff(ctx, next)
		s.notifier.Broadcast(next.ID, EventAuctionEnded.String(), NewAuctionEnded(next))
	}

	return &BidAccepted{
		Bid:               bid,
		Auction:           next,
		PreviousWinningID: tr.PreviousWinningID,
		Extended:          tr.Extended,
		Sold:              tr.Sold,
	}, nil
}

// validateCandidate runs the validator and performs the pre-approval lookup only when
// every earlier check passed, so the rejection order is preserved.
func (s *Service) validateCandidate(ctx context.Context, a *Auction, c Candidate) (Decision, error) {
	c.PreApproved = true
	decision, err := Validate(a, c)
	if err != nil || !a.RequiresPreApproval {
		return decision, err
	}

	approved := false
	if s.approvals != nil {
		approved, err = s.approvals.IsApproved(ctx, a.ID, c.BidderID)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: failed to check pre-approval: %w", ErrPersistence, err)
		}
	}
	c.PreApproved = approved
	return Validate(a, c)
}

// CancelAuction terminates a pre-terminal auction on behalf of its seller
func (s *Service) CancelAuction(ctx context.Context, auctionID, requestedBy uuid.UUID) (*Auction, error) {
	var cancelled *Auction
	err := s.withRetry(ctx, auctionID, func(ctx context.Context) error {
		current, err := s.load(ctx, auctionID)
		if err != nil {
			return err
		}
		if !current.IsOwnedBy(requestedBy) {
			return ErrUnauthorized
		}

		next := current.Clone()
		if err := next.Cancel(s.now()); err != nil {
			return err
		}
		if err := s.save(ctx, next); err != nil {
			return err
		}

		s.logger.Info("Auction cancelled", "auction_id", next.ID)
		s.notifier.Broadcast(next.ID, EventAuctionEnded.String(), NewAuctionEnded(next))
		cancelled = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ScheduleAuction publishes a draft so the scheduler activates it at its start time
func (s *Service) ScheduleAuction(ctx context.Context, auctionID, requestedBy uuid.UUID) (*Auction, error) {
	var scheduled *Auction
	err := s.withRetry(ctx, auctionID, func(ctx context.Context) error {
		current, err := s.load(ctx, auctionID)
		if err != nil {
			return err
		}
		if !current.IsOwnedBy(requestedBy) {
			return ErrUnauthorized
		}

		next := current.Clone()
		if err := next.Schedule(s.now()); err != nil {
			return err
		}
		if err := s.save(ctx, next); err != nil {
			return err
		}
		scheduled = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

// Advance applies every time-driven transition due for the auction at now and
// broadcasts the matching events. A live auction with observers also gets a
// CountdownUpdate. It returns the resulting snapshot.
func (s *Service) Advance(ctx context.Context, auctionID uuid.UUID, now time.Time) (*Auction, error) {
	var result *Auction
	err := s.withRetry(ctx, auctionID, func(ctx context.Context) error {
		current, err := s.load(ctx, auctionID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() || current.Status == StatusDraft {
			result = current
			return nil
		}

		var activated, endingSoon, finalized bool
		next := current.Clone()
		if next.Status == StatusScheduled && !now.Before(next.StartTime) {
			if err := next.Activate(now); err != nil {
				return err
			}
			activated = true
		}

		if next.Status.IsLive() && !now.Before(next.EndTime) {
			if _, err := next.Finalize(now); err != nil {
				return err
			}
			finalized = true
		} else if next.MarkEndingSoon(now, s.cfg.Policy.EndingSoonThreshold) {
			endingSoon = true
		}

		if !activated && !endingSoon && !finalized {
			result = current
			s.broadcastCountdown(current, now)
			return nil
		}
		if err := s.save(ctx, next); err != nil {
			return err
		}
		result = next

		if activated {
			s.logger.Info("Auction activated", "auction_id", next.ID)
			s.PublishLiveUpdate(ctx, next.ID)
		}
		if endingSoon {
			s.notifier.Broadcast(next.ID, EventAuctionEnding.String(), NewAuctionEnding(next, now))
		}
		if finalized {
			s.logger.Info("Auction finalized", "auction_id", next.ID, "status", next.Status)
			if next.Status == StatusSold {
				s.handOff(ctx, next)
			}
			s.notifier.Broadcast(next.ID, EventAuctionEnded.String(), NewAuctionEnded(next))
		}
		s.broadcastCountdown(next, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// broadcastCountdown must run under the auction's lock so a countdown never
// trails an AuctionExtended it predates.
func (s *Service) broadcastCountdown(a *Auction, now time.Time) {
	if !a.Status.IsLive() || s.audience == nil || s.audience.SubscriberCount(a.ID) == 0 {
		return
	}
	s.notifier.Broadcast(a.ID, EventCountdownUpdate.String(), NewCountdownUpdate(a, now))
}

// PublishLiveUpdate broadcasts the current audience figures for an auction
func (s *Service) PublishLiveUpdate(ctx context.Context, auctionID uuid.UUID) {
	update := LiveUpdate{AuctionID: auctionID}
	if s.audience != nil {
		update.ViewCount = s.audience.SubscriberCount(auctionID)
	}
	if s.watchlist != nil {
		count, err := s.watchlist.WatchlistCount(ctx, auctionID)
		if err != nil {
			s.logger.Warn("Failed to read watchlist count", "auction_id", auctionID, "error", err)
		}
		update.WatchlistCount = count
	}
	s.notifier.Broadcast(auctionID, EventLiveUpdate.String(), update)
}

// ListLive returns the auctions the scheduler has to evaluate
func (s *Service) ListLive(ctx context.Context) ([]*Auction, error) {
	live, err := s.store.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live auctions: %w", err)
	}
	return live, nil
}

// handOff passes a sold auction to settlement. A failed hand-off is queued for
// RetrySettlements; the auction is terminal and the scheduler no longer lists it.
func (s *Service) handOff(ctx context.Context, a *Auction) {
	if s.settlement == nil || a.WinnerID == nil {
		return
	}
	if err := s.settlement.OnAuctionSold(ctx, a.ID, *a.WinnerID, a.CurrentPrice); err != nil {
		s.logger.Error("Failed to hand off sold auction", "auction_id", a.ID, "error", err)
		s.pendingMu.Lock()
		s.pending[a.ID] = a.Clone()
		s.pendingMu.Unlock()
	}
}

// RetrySettlements re-attempts every queued hand-off and returns how many
// succeeded. Settlement must be idempotent per auction.
func (s *Service) RetrySettlements(ctx context.Context) int {
	s.pendingMu.Lock()
	queued := make([]*Auction, 0, len(s.pending))
	for _, a := range s.pending {
		queued = append(queued, a)
	}
	s.pendingMu.Unlock()

	done := 0
	for _, a := range queued {
		if err := s.settlement.OnAuctionSold(ctx, a.ID, *a.WinnerID, a.CurrentPrice); err != nil {
			s.logger.Warn("Settlement retry failed", "auction_id", a.ID, "error", err)
			continue
		}
		s.pendingMu.Lock()
		delete(s.pending, a.ID)
		s.pendingMu.Unlock()
		s.logger.Info("Settlement retried", "auction_id", a.ID)
		done++
	}
	return done
}

// PendingSettlements returns how many sold auctions still await a hand-off
func (s *Service) PendingSettlements() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// withRetry runs fn under the auction's lock, retrying lock timeouts and version
// conflicts up to MaxAttempts. The lock is held while fn broadcasts, which keeps
// the per-auction event order equal to the order of the writes.
func (s *Service) withRetry(ctx context.Context, auctionID uuid.UUID, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.locked(ctx, auctionID, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLockTimeout) && !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
		s.logger.Debug("Retrying contended auction", "auction_id", auctionID, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("%w: %w", ErrContention, lastErr)
}

func (s *Service) locked(ctx context.Context, auctionID uuid.UUID, fn func(ctx context.Context) error) error {
	lockCtx := ctx
	if s.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}

	release, err := s.locks.Lock(lockCtx, auctionID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errLockTimeout
	}
	defer release()

	return fn(ctx)
}

func (s *Service) load(ctx context.Context, auctionID uuid.UUID) (*Auction, error) {
	a, err := s.store.Load(ctx, auctionID)
	if err != nil {
		if errors.Is(err, ErrAuctionNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("%w: failed to load auction: %w", ErrPersistence, err)
	}
	return a, nil
}

func (s *Service) save(ctx context.Context, next *Auction) error {
	if err := s.store.Save(ctx, next, nil); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(uuid.UUID, string, any) {}
