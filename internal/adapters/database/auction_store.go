// Package database implements the auction store and outbox on Postgres using pgx.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/gavel-live/internal/domain/auctions"
	pkgdb "github.com/floroz/gavel-live/pkg/database"
)

// lock_not_available, raised when SET LOCAL lock_timeout expires
const pgLockNotAvailable = "55P03"

const auctionColumns = `
	id, seller_id, title, starting_price, current_price, bid_increment,
	buy_now_price, reserve_price, status, start_time, end_time, bid_count,
	winner_id, winner_name, winning_bid_id, auto_extend, extend_window_seconds,
	max_auto_extensions, extension_count, max_bids, requires_pre_approval,
	ending_soon_notified, version, created_at, updated_at`

// SoldEventWriter records the settlement hand-off of a sold auction inside the
// transaction that saves it
type SoldEventWriter interface {
	RecordSold(ctx context.Context, db pkgdb.DBTX, a *auctions.Auction) error
}

// PostgresAuctionStore implements auctions.Store using pgx
type PostgresAuctionStore struct {
	pool      *pgxpool.Pool // Keep pool for non-transactional reads
	txManager pkgdb.TransactionManager
	sold      SoldEventWriter
}

// NewPostgresAuctionStore creates a new PostgreSQL auction store
func NewPostgresAuctionStore(pool *pgxpool.Pool, txManager pkgdb.TransactionManager) *PostgresAuctionStore {
	return &PostgresAuctionStore{pool: pool, txManager: txManager}
}

// WithSoldEvents makes every save of a sold snapshot also write its settlement
// event. A failed event write rolls the save back.
func (s *PostgresAuctionStore) WithSoldEvents(w SoldEventWriter) *PostgresAuctionStore {
	s.sold = w
	return s
}

var _ auctions.Store = (*PostgresAuctionStore)(nil)

// Create inserts a new auction
func (s *PostgresAuctionStore) Create(ctx context.Context, a *auctions.Auction) error {
	query := `INSERT INTO auctions (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::auction_status, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`

	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.SellerID,
		a.Title,
		a.StartingPrice,
		a.CurrentPrice,
		a.BidIncrement,
		a.BuyNowPrice,
		a.ReservePrice,
		a.Status,
		a.StartTime,
		a.EndTime,
		a.BidCount,
		a.WinnerID,
		a.WinnerName,
		a.WinningBidID,
		a.AutoExtend,
		int64(a.ExtendWindow/time.Second),
		a.MaxAutoExtensions,
		a.ExtensionCount,
		a.MaxBids,
		a.RequiresPreApproval,
		a.EndingSoonNotified,
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

// Load retrieves the latest snapshot of an auction
func (s *PostgresAuctionStore) Load(ctx context.Context, auctionID uuid.UUID) (*auctions.Auction, error) {
	return s.getAuction(ctx, s.pool, auctionID)
}

func (s *PostgresAuctionStore) getAuction(ctx context.Context, db pkgdb.DBTX, auctionID uuid.UUID) (*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`

	a, err := scanAuction(db.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auctions.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// Save writes the snapshot with a version check and, when newBid is set, appends the
// bid as the only winning bid of the auction. A sold snapshot also gets its
// settlement event when WithSoldEvents is set. All of it happens in one transaction.
func (s *PostgresAuctionStore) Save(ctx context.Context, snapshot *auctions.Auction, newBid *auctions.Bid) error {
	err := pkgdb.WithTx(ctx, s.txManager, func(tx pgx.Tx) error {
		if err := s.updateAuction(ctx, tx, snapshot); err != nil {
			return err
		}
		if newBid != nil {
			if err := s.clearWinningBid(ctx, tx, snapshot.ID); err != nil {
				return err
			}
			if err := s.insertBid(ctx, tx, newBid); err != nil {
				return err
			}
		}
		if s.sold != nil && snapshot.Status == auctions.StatusSold && snapshot.WinnerID != nil {
			if err := s.sold.RecordSold(ctx, tx, snapshot); err != nil {
				return fmt.Errorf("failed to record sale: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return fmt.Errorf("%w: %w", auctions.ErrVersionConflict, err)
		}
		return err
	}

	snapshot.Version++
	return nil
}

func (s *PostgresAuctionStore) updateAuction(ctx context.Context, tx pgx.Tx, a *auctions.Auction) error {
	query := `
		UPDATE auctions SET
			current_price = $3,
			status = $4::auction_status,
			end_time = $5,
			bid_count = $6,
			winner_id = $7,
			winner_name = $8,
			winning_bid_id = $9,
			extension_count = $10,
			ending_soon_notified = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2
	`
	result, err := tx.Exec(ctx, query,
		a.ID,
		a.Version,
		a.CurrentPrice,
		a.Status,
		a.EndTime,
		a.BidCount,
		a.WinnerID,
		a.WinnerName,
		a.WinningBidID,
		a.ExtensionCount,
		a.EndingSoonNotified,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check auction: %w", err)
		}
		if !exists {
			return auctions.ErrAuctionNotFound
		}
		return auctions.ErrVersionConflict
	}
	return nil
}

func (s *PostgresAuctionStore) clearWinningBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error {
	query := `UPDATE bids SET is_winning = FALSE WHERE auction_id = $1 AND is_winning`
	if _, err := tx.Exec(ctx, query, auctionID); err != nil {
		return fmt.Errorf("failed to clear winning bid: %w", err)
	}
	return nil
}

func (s *PostgresAuctionStore) insertBid(ctx context.Context, tx pgx.Tx, bid *auctions.Bid) error {
	query := `
		INSERT INTO bids (id, auction_id, bidder_id, bidder_name, amount, is_winning, is_buy_now, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.AuctionID,
		bid.BidderID,
		bid.BidderName,
		bid.Amount,
		bid.IsWinning,
		bid.IsBuyNow,
		bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// ListLive returns scheduled, active and ending-soon auctions, soonest end first
func (s *PostgresAuctionStore) ListLive(ctx context.Context) ([]*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status IN ('scheduled', 'active', 'ending_soon')
		ORDER BY end_time ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query live auctions: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return result, nil
}

// ListBids retrieves all bids for an auction, oldest first
func (s *PostgresAuctionStore) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*auctions.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_id, bidder_name, amount, is_winning, is_buy_now, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auctions.Bid
	for rows.Next() {
		var bid auctions.Bid
		if err := rows.Scan(
			&bid.ID,
			&bid.AuctionID,
			&bid.BidderID,
			&bid.BidderName,
			&bid.Amount,
			&bid.IsWinning,
			&bid.IsBuyNow,
			&bid.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		result = append(result, &bid)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

func scanAuction(row pgx.Row) (*auctions.Auction, error) {
	var (
		a             auctions.Auction
		extendSeconds int64
	)
	err := row.Scan(
		&a.ID,
		&a.SellerID,
		&a.Title,
		&a.StartingPrice,
		&a.CurrentPrice,
		&a.BidIncrement,
		&a.BuyNowPrice,
		&a.ReservePrice,
		&a.Status,
		&a.StartTime,
		&a.EndTime,
		&a.BidCount,
		&a.WinnerID,
		&a.WinnerName,
		&a.WinningBidID,
		&a.AutoExtend,
		&extendSeconds,
		&a.MaxAutoExtensions,
		&a.ExtensionCount,
		&a.MaxBids,
		&a.RequiresPreApproval,
		&a.EndingSoonNotified,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ExtendWindow = time.Duration(extendSeconds) * time.Second
	return &a, nil
}
