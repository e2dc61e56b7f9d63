package database

import (
	"context"

	"github.com/supportline/supportline/internal/database/models"
)

// CallRecordRepository stores the history of ended support calls.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// CallRecordListFilter selects and pages call records, newest first.
type CallRecordListFilter struct {
	Outcome  string
	ClientID string
	AdminID  string
	Limit    int
	Offset   int
}
