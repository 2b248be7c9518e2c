package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/google/uuid"
)

// SubmissionStore is the SQLite-backed ledger. Rows are only ever inserted
// or wiped together; there is no update or single-row delete.
type SubmissionStore struct {
	db *sql.DB
}

func NewSubmissionStore(db *sql.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

const submissionCols = `id, name, position, company, phone, email, completed_count, reward_level, submitted_at`

func scanSubmission(scanner interface{ Scan(...any) error }) (*reward.Submission, error) {
	var s reward.Submission
	var submittedAt string

	err := scanner.Scan(&s.ID, &s.Name, &s.Position, &s.Company, &s.Phone, &s.Email,
		&s.CompletedCount, &s.RewardLevel, &submittedAt)
	if err != nil {
		return nil, err
	}

	s.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parse submitted_at %q: %w", submittedAt, err)
	}
	return &s, nil
}

// AppendSubmission inserts one record. A missing ID is filled in.
func (s *SubmissionStore) AppendSubmission(ctx context.Context, sub reward.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.Position, sub.Company, sub.Phone, sub.Email,
		sub.CompletedCount, sub.RewardLevel, sub.SubmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// ListSubmissions returns every record in insertion order.
func (s *SubmissionStore) ListSubmissions(ctx context.Context) ([]reward.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []reward.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ClearAll wipes the ledger in a single statement.
func (s *SubmissionStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM submissions`); err != nil {
		return fmt.Errorf("clear submissions: %w", err)
	}
	return nil
}
