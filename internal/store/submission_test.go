package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/stamptour/internal/database"
	"github.com/dukerupert/stamptour/internal/reward"
)

func setupSubmissionTestDB(t *testing.T) *SubmissionStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSubmissionStore(db)
}

func sampleSubmission(name, level string) reward.Submission {
	return reward.Submission{
		ID:             "id-" + name,
		Name:           name,
		Position:       "Engineer",
		Company:        "Acme",
		Phone:          "010-1234-5678",
		Email:          name + "@example.com",
		CompletedCount: 11,
		RewardLevel:    level,
		SubmittedAt:    time.Date(2024, 11, 5, 14, 30, 15, 123456789, time.FixedZone("KST", 9*3600)),
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	ss := setupSubmissionTestDB(t)
	ctx := context.Background()

	want := sampleSubmission("kim", "chicken")
	if err := ss.AppendSubmission(ctx, want); err != nil {
		t.Fatalf("append: %v", err)
	}

	subs, err := ss.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}

	got := subs[0]
	if !got.SubmittedAt.Equal(want.SubmittedAt) {
		t.Errorf("submitted_at = %v, want %v", got.SubmittedAt, want.SubmittedAt)
	}
	got.SubmittedAt = want.SubmittedAt
	if got != want {
		t.Errorf("submission = %+v, want %+v", got, want)
	}
}

func TestSubmissionListOrder(t *testing.T) {
	ss := setupSubmissionTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		if err := ss.AppendSubmission(ctx, sampleSubmission(name, "coffee")); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}

	subs, err := ss.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, name := range []string{"c", "a", "b"} {
		if subs[i].Name != name {
			t.Errorf("subs[%d].Name = %q, want %q", i, subs[i].Name, name)
		}
	}
}

func TestSubmissionGeneratesID(t *testing.T) {
	ss := setupSubmissionTestDB(t)
	ctx := context.Background()

	sub := sampleSubmission("lee", "coffee")
	sub.ID = ""
	if err := ss.AppendSubmission(ctx, sub); err != nil {
		t.Fatalf("append: %v", err)
	}

	subs, _ := ss.ListSubmissions(ctx)
	if len(subs) != 1 || subs[0].ID == "" {
		t.Fatalf("expected one submission with generated id, got %+v", subs)
	}
}

func TestSubmissionDuplicateIDRejected(t *testing.T) {
	ss := setupSubmissionTestDB(t)
	ctx := context.Background()

	sub := sampleSubmission("park", "coffee")
	if err := ss.AppendSubmission(ctx, sub); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := ss.AppendSubmission(ctx, sub); err == nil {
		t.Error("expected error appending duplicate id")
	}
}

func TestSubmissionClear(t *testing.T) {
	ss := setupSubmissionTestDB(t)
	ctx := context.Background()

	ss.AppendSubmission(ctx, sampleSubmission("a", "chicken"))
	ss.AppendSubmission(ctx, sampleSubmission("b", "coffee"))
	ss.AppendSubmission(ctx, sampleSubmission("c", "coffee"))

	if err := ss.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	subs, err := ss.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected empty ledger after clear, got %d", len(subs))
	}
}
