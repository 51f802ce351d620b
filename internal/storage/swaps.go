package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
)

// Terminal swap states as written by the swap package.
var terminalStates = map[string]bool{
	"settled": true,
	"expired": true,
	"failed":  true,
}

// SwapRecord is the journal row for one swap.
type SwapRecord struct {
	ID             string
	Kind           string
	State          string
	ProviderStatus string

	FromChain string
	ToChain   string
	Amount    int64

	LockupAddress string
	TimeoutHeight uint32

	ClaimTxID     string
	FailureReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// IsTerminal reports whether the recorded state is final.
func (r *SwapRecord) IsTerminal() bool {
	return terminalStates[r.State]
}

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(swap *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now
	if swap.IsTerminal() && swap.CompletedAt.IsZero() {
		swap.CompletedAt = now
	}

	query := `
		INSERT INTO swaps (
			id, kind, state, provider_status,
			from_chain, to_chain, amount,
			lockup_address, timeout_height,
			claim_txid, failure_reason,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			provider_status = excluded.provider_status,
			lockup_address = excluded.lockup_address,
			timeout_height = excluded.timeout_height,
			claim_txid = excluded.claim_txid,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		swap.ID,
		swap.Kind,
		swap.State,
		swap.ProviderStatus,
		swap.FromChain,
		swap.ToChain,
		swap.Amount,
		swap.LockupAddress,
		swap.TimeoutHeight,
		swap.ClaimTxID,
		swap.FailureReason,
		swap.CreatedAt.Unix(),
		swap.UpdatedAt.Unix(),
		timeToUnixOrZero(swap.CompletedAt),
	)
	return err
}

const swapColumns = `
	id, kind, state, provider_status,
	from_chain, to_chain, amount,
	lockup_address, timeout_height,
	claim_txid, failure_reason,
	created_at, updated_at, completed_at
`

// GetSwap retrieves a swap by ID.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+swapColumns+" FROM swaps WHERE id = ?", id)
	swap, err := scanSwapRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return swap, err
}

// UpdateSwapState updates the state of a swap.
func (s *Storage) UpdateSwapState(id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt int64
	if terminalStates[state] {
		completedAt = now
	}

	query := `
		UPDATE swaps
		SET state = ?, updated_at = ?, completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE id = ?
	`

	result, err := s.db.Exec(query, state, now, completedAt, completedAt, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSwapNotFound
	}

	return nil
}

// ListSwaps returns the most recent swaps first. limit <= 0 means no limit.
func (s *Storage) ListSwaps(limit int, includeCompleted bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + swapColumns + " FROM swaps"
	if !includeCompleted {
		query += " WHERE state NOT IN ('settled', 'expired', 'failed')"
	}
	query += " ORDER BY created_at DESC, id ASC"

	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*SwapRecord
	for rows.Next() {
		swap, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

// SwapCount returns pending and completed swap counts.
func (s *Storage) SwapCount() (pending, completed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN state NOT IN ('settled', 'expired', 'failed') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN ('settled', 'expired', 'failed') THEN 1 ELSE 0 END), 0)
		FROM swaps
	`).Scan(&pending, &completed)
	return pending, completed, err
}

// =============================================================================
// Helper functions
// =============================================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row scanner) (*SwapRecord, error) {
	var swap SwapRecord
	var providerStatus, lockupAddress, claimTxID, failureReason sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&swap.ID,
		&swap.Kind,
		&swap.State,
		&providerStatus,
		&swap.FromChain,
		&swap.ToChain,
		&swap.Amount,
		&lockupAddress,
		&swap.TimeoutHeight,
		&claimTxID,
		&failureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	swap.ProviderStatus = providerStatus.String
	swap.LockupAddress = lockupAddress.String
	swap.ClaimTxID = claimTxID.String
	swap.FailureReason = failureReason.String

	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid && completedAt.Int64 > 0 {
		swap.CompletedAt = time.Unix(completedAt.Int64, 0)
	}

	return &swap, nil
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
