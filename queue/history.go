package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// Result of a finished mail in the history.
type Result string

const (
	ResultDelivered Result = "delivered" // All recipients accepted.
	ResultPartial   Result = "partial"   // Some recipients accepted, others failed or requeued.
	ResultFailed    Result = "failed"    // Delivery failed, no recipients left to retry.
	ResultRequeued  Result = "requeued"  // Recipients requeued for a later attempt.
	ResultError     Result = "error"     // Moved to the error area.
)

// HistoryRecord is an attempt that finished a stored mail.
type HistoryRecord struct {
	ID         int64
	Name       string
	LogID      string `bstore:"index"`
	Sender     string
	Recipients []string
	Result     Result
	Attempts   int
	LastError  string
	Remote     string
	Time       time.Time `bstore:"default now,index"`
}

// DBTypes are the types stored in the history database.
var DBTypes = []any{HistoryRecord{}}

// History keeps records of finished mails in a bstore database.
type History struct {
	db *bstore.DB
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &History{db: db}, nil
}

// Add inserts a record. Its ID is set.
func (h *History) Add(ctx context.Context, r *HistoryRecord) error {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	return h.db.Insert(ctx, r)
}

// List returns the most recent records, newest first. With limit <= 0, all
// records are returned.
func (h *History) List(ctx context.Context, logID string, limit int) ([]HistoryRecord, error) {
	q := bstore.QueryDB[HistoryRecord](ctx, h.db)
	if logID != "" {
		q.FilterNonzero(HistoryRecord{LogID: logID})
	}
	q.SortDesc("Time")
	if limit > 0 {
		q.Limit(limit)
	}
	return q.List()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

func historyRecord(m *Mail, result Result, remote RemoteMTA, now time.Time) *HistoryRecord {
	rcpts := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		rcpts[i] = r.XString(true)
	}
	var rs string
	if !remote.IsZero() {
		rs = remote.String()
	}
	return &HistoryRecord{
		Name:       m.Name.String(),
		LogID:      m.LogID,
		Sender:     m.Sender.XString(true),
		Recipients: rcpts,
		Result:     result,
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		Remote:     rs,
		Time:       now,
	}
}
