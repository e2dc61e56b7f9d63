package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/supportline/supportline/internal/database/models"
)

const callRecordColumns = `id, call_id, guild_id, client_id, client_name, admin_id, admin_name,
		 room_id, outcome, joined_at, claimed_at, ended_at, wait_ms, talk_ms`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a call record and sets its ID.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	var claimedAt sql.NullTime
	if rec.ClaimedAt != nil {
		claimedAt = sql.NullTime{Time: rec.ClaimedAt.UTC(), Valid: true}
	}

	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`INSERT INTO call_records (call_id, guild_id, client_id, client_name, admin_id,
		 admin_name, room_id, outcome, joined_at, claimed_at, ended_at, wait_ms, talk_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.CallID, rec.GuildID, rec.ClientID, rec.ClientName, rec.AdminID,
		rec.AdminName, rec.RoomID, rec.Outcome, rec.JoinedAt.UTC(), claimedAt,
		rec.EndedAt.UTC(), rec.WaitMS, rec.TalkMS,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByCallID returns the record for a call id, or nil if none exists.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?`), callID)

	var rec models.CallRecord
	err := scanCallRecord(row, &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// List returns call records matching the filter, along with the total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.ClientID != "" {
		where += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.AdminID != "" {
		where += " AND admin_id = ?"
		args = append(args, filter.AdminID)
	}

	// Count total matching rows.
	var total int
	countQuery := r.db.Rebind("SELECT COUNT(*) FROM call_records WHERE " + where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	// Fetch the page of results.
	query := r.db.Rebind(`SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY ended_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := scanCallRecord(rows, &rec); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return recs, total, nil
}

// CountByOutcome returns the number of records per outcome.
func (r *callRecordRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM call_records GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("counting call outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s scanner, rec *models.CallRecord) error {
	var claimedAt sql.NullTime
	if err := s.Scan(&rec.ID, &rec.CallID, &rec.GuildID, &rec.ClientID, &rec.ClientName,
		&rec.AdminID, &rec.AdminName, &rec.RoomID, &rec.Outcome, &rec.JoinedAt,
		&claimedAt, &rec.EndedAt, &rec.WaitMS, &rec.TalkMS); err != nil {
		return err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		rec.ClaimedAt = &t
	}
	return nil
}
