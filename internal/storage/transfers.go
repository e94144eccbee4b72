// Package storage - Transfer journal persistence.
// This file provides CRUD operations for the per-direction transfer
// journal, enabling audit and recovery after a relay restart.
package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// Transfer persistence errors
var (
	ErrTransferNotFound = errors.New("transfer not found")
)

// TransferStatus represents the journaled lifecycle stage of a transfer.
type TransferStatus string

const (
	TransferStatusLocking    TransferStatus = "locking"
	TransferStatusLocked     TransferStatus = "locked"
	TransferStatusCompleting TransferStatus = "completing"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusRefunded   TransferStatus = "refunded"
	TransferStatusFailed     TransferStatus = "failed"
)

// TransferRecord represents a persisted transfer in the database.
type TransferRecord struct {
	// Identity. The same transfer id may appear in both directions.
	TransferID string `json:"transfer_id"`
	Direction  string `json:"direction"`

	// Lifecycle
	Status TransferStatus `json:"status"`

	// HTLC parameters, hex-encoded chain-native values
	HashLock  string `json:"hash_lock"`
	TimeLock  uint64 `json:"time_lock"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Amount in smallest units, decimal text
	Amount string `json:"amount"`

	// Revealed pre-image, hex (empty until the destination claim)
	Secret string `json:"secret,omitempty"`

	// Dispatch tracking
	Attempts      int    `json:"attempts"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Timing
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewTransferRecord builds a journal row from relay swap details.
func NewTransferRecord(direction relay.Direction, details relay.SwapDetails, status TransferStatus) *TransferRecord {
	amount := "0"
	if details.Amount != nil {
		amount = details.Amount.String()
	}
	return &TransferRecord{
		TransferID: details.TransferID.Hex(),
		Direction:  direction.String(),
		Status:     status,
		HashLock:   details.HashLock.Hex(),
		TimeLock:   details.TimeLock,
		Sender:     hex.EncodeToString(details.Sender),
		Recipient:  hex.EncodeToString(details.Recipient),
		Amount:     amount,
		Secret:     hex.EncodeToString(details.Secret),
	}
}

// AmountBig parses the stored amount back into a big integer.
func (r *TransferRecord) AmountBig() (*big.Int, error) {
	n, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", r.Amount)
	}
	return n, nil
}

// SaveTransfer saves or updates a transfer record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveTransfer(tr *TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}
	tr.UpdatedAt = now

	query := `
		INSERT INTO transfers (
			transfer_id, direction, status,
			hash_lock, time_lock, sender, recipient, amount,
			secret, attempts, failure_reason,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			status = excluded.status,
			secret = excluded.secret,
			attempts = excluded.attempts,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		tr.TransferID,
		tr.Direction,
		string(tr.Status),
		tr.HashLock,
		tr.TimeLock,
		tr.Sender,
		tr.Recipient,
		tr.Amount,
		tr.Secret,
		tr.Attempts,
		tr.FailureReason,
		tr.CreatedAt.Unix(),
		tr.UpdatedAt.Unix(),
		timeToUnixOrZero(tr.CompletedAt),
	)
	return err
}

// GetTransfer retrieves a transfer by id and direction.
func (s *Storage) GetTransfer(transferID, direction string) (*TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT transfer_id, direction, status,
			hash_lock, time_lock, sender, recipient, amount,
			secret, attempts, failure_reason,
			created_at, updated_at, completed_at
		FROM transfers WHERE transfer_id = ? AND direction = ?
	`

	row := s.db.QueryRow(query, transferID, direction)
	return scanTransferRecord(row)
}

// GetActiveTransfers returns all transfers that are not in a terminal
// state, oldest first. These are candidates for recovery on startup.
func (s *Storage) GetActiveTransfers() ([]*TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT transfer_id, direction, status,
			hash_lock, time_lock, sender, recipient, amount,
			secret, attempts, failure_reason,
			created_at, updated_at, completed_at
		FROM transfers
		WHERE status NOT IN ('completed', 'refunded', 'failed')
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*TransferRecord
	for rows.Next() {
		tr, err := scanTransferRecordRows(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}

	return transfers, rows.Err()
}

// UpdateTransferStatus updates the lifecycle status of a transfer.
// Terminal states also stamp completed_at.
func (s *Storage) UpdateTransferStatus(transferID, direction string, status TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt int64
	if isTerminalStatus(status) {
		completedAt = now
	}

	query := `
		UPDATE transfers
		SET status = ?, updated_at = ?, completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE transfer_id = ? AND direction = ?
	`

	result, err := s.db.Exec(query, string(status), now, completedAt, completedAt, transferID, direction)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransferNotFound
	}

	return nil
}

// RecordSecret stores the revealed pre-image for a transfer.
func (s *Storage) RecordSecret(transferID, direction string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE transfers SET secret = ?, updated_at = ? WHERE transfer_id = ? AND direction = ?`

	result, err := s.db.Exec(query, hex.EncodeToString(secret), time.Now().Unix(), transferID, direction)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransferNotFound
	}

	return nil
}

// RecordFailure marks a transfer failed with its final error and attempt
// count.
func (s *Storage) RecordFailure(transferID, direction, reason string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	query := `
		UPDATE transfers
		SET status = ?, failure_reason = ?, attempts = ?, updated_at = ?, completed_at = ?
		WHERE transfer_id = ? AND direction = ?
	`

	result, err := s.db.Exec(query, string(TransferStatusFailed), reason, attempts, now, now, transferID, direction)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransferNotFound
	}

	return nil
}

// DeleteTransfer removes a transfer from the journal.
// Only use for terminal states or cleanup.
func (s *Storage) DeleteTransfer(transferID, direction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM transfers WHERE transfer_id = ? AND direction = ?", transferID, direction)
	return err
}

// ListTransfers returns transfers ordered by last update, newest first.
func (s *Storage) ListTransfers(limit int, includeCompleted bool) ([]*TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT transfer_id, direction, status,
			hash_lock, time_lock, sender, recipient, amount,
			secret, attempts, failure_reason,
			created_at, updated_at, completed_at
		FROM transfers
	`
	if !includeCompleted {
		query += ` WHERE status NOT IN ('completed', 'refunded', 'failed')`
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*TransferRecord
	for rows.Next() {
		tr, err := scanTransferRecordRows(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}

	return transfers, rows.Err()
}

// TransferCount returns counts of active and terminal transfers.
func (s *Storage) TransferCount() (active, completed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM transfers WHERE status NOT IN ('completed', 'refunded', 'failed')",
	).Scan(&active)
	if err != nil {
		return
	}

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM transfers WHERE status IN ('completed', 'refunded', 'failed')",
	).Scan(&completed)
	return
}

// Helper functions

func isTerminalStatus(status TransferStatus) bool {
	switch status {
	case TransferStatusCompleted, TransferStatusRefunded, TransferStatusFailed:
		return true
	}
	return false
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func scanTransferRecord(row *sql.Row) (*TransferRecord, error) {
	var tr TransferRecord
	var secret, failureReason sql.NullString
	var createdAt, updatedAt, completedAt int64

	err := row.Scan(
		&tr.TransferID,
		&tr.Direction,
		&tr.Status,
		&tr.HashLock,
		&tr.TimeLock,
		&tr.Sender,
		&tr.Recipient,
		&tr.Amount,
		&secret,
		&tr.Attempts,
		&failureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}

	if secret.Valid {
		tr.Secret = secret.String
	}
	if failureReason.Valid {
		tr.FailureReason = failureReason.String
	}

	tr.CreatedAt = time.Unix(createdAt, 0)
	tr.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt > 0 {
		tr.CompletedAt = time.Unix(completedAt, 0)
	}

	return &tr, nil
}

func scanTransferRecordRows(rows *sql.Rows) (*TransferRecord, error) {
	var tr TransferRecord
	var secret, failureReason sql.NullString
	var createdAt, updatedAt, completedAt int64

	err := rows.Scan(
		&tr.TransferID,
		&tr.Direction,
		&tr.Status,
		&tr.HashLock,
		&tr.TimeLock,
		&tr.Sender,
		&tr.Recipient,
		&tr.Amount,
		&secret,
		&tr.Attempts,
		&failureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if secret.Valid {
		tr.Secret = secret.String
	}
	if failureReason.Valid {
		tr.FailureReason = failureReason.String
	}

	tr.CreatedAt = time.Unix(createdAt, 0)
	tr.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt > 0 {
		tr.CompletedAt = time.Unix(completedAt, 0)
	}

	return &tr, nil
}
