// Package gateway is the only component allowed to mutate the reward ledger.
// It re-verifies quota at write time and rejects claims the fresh snapshot
// no longer supports.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Ledger is the storage adapter contract. Implementations may be slow,
// occasionally unreachable, and are not assumed to be linearizable.
type Ledger interface {
	AppendSubmission(ctx context.Context, sub reward.Submission) error
	ListSubmissions(ctx context.Context) ([]reward.Submission, error)
	ClearAll(ctx context.Context) error
}

// Archiver exports the ledger before an administrative reset.
type Archiver interface {
	Archive(ctx context.Context, subs []reward.Submission) (string, error)
}

// Observer is notified with the fresh snapshot after every accepted
// registration and every reset.
type Observer func(event string, snap reward.Snapshot)

const (
	EventAccepted = "accepted"
	EventReset    = "reset"
)

// Config holds gateway configuration. AdminKeyHash is a bcrypt hash.
type Config struct {
	Table          reward.Table
	RequiredFields []string
	MaxStamps      int
	AdminKeyHash   []byte
}

// Gateway implements the boundary operations over a Ledger.
type Gateway struct {
	table     reward.Table
	required  []string
	maxStamps int
	adminHash []byte

	ledger   Ledger
	archiver Archiver
	observer Observer
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger

	// Serializes read-verify-write within this process. Writers in other
	// processes sharing the ledger are not covered.
	mu sync.Mutex
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithArchiver(a Archiver) Option {
	return func(g *Gateway) { g.archiver = a }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway. Unknown required field names are rejected.
func New(cfg Config, ledger Ledger, opts ...Option) (*Gateway, error) {
	if cfg.Table.Len() == 0 {
		return nil, fmt.Errorf("gateway: empty tier table")
	}
	required := cfg.RequiredFields
	if required == nil {
		required = reward.DefaultRequiredFields
	}
	for _, f := range required {
		if _, ok := (reward.Submission{}).Field(f); !ok {
			return nil, fmt.Errorf("gateway: unknown required field %q", f)
		}
	}

	g := &Gateway{
		table:     cfg.Table,
		required:  required,
		maxStamps: cfg.MaxStamps,
		adminHash: cfg.AdminKeyHash,
		ledger:    ledger,
		validate:  validator.New(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// HashAdminKey returns the bcrypt hash stored in Config.AdminKeyHash.
func HashAdminKey(key string, cost int) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	return bcrypt.GenerateFromPassword([]byte(key), cost)
}

// Table returns the tier table the gateway resolves against.
func (g *Gateway) Table() reward.Table {
	return g.table
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, reward.ErrStorageUnavailable, err)
}

// ListSubmissions returns the full ledger.
func (g *Gateway) ListSubmissions(ctx context.Context) ([]reward.Submission, error) {
	subs, err := g.ledger.ListSubmissions(ctx)
	if err != nil {
		return nil, unavailable("list submissions", err)
	}
	return subs, nil
}

// RemainingQuota derives the current snapshot from the ledger.
func (g *Gateway) RemainingQuota(ctx context.Context) (reward.Snapshot, error) {
	subs, err := g.ListSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	return g.table.Derive(subs), nil
}

// CheckTierAvailable reports whether the tier with the given key has
// remaining quota, along with the remaining count.
func (g *Gateway) CheckTierAvailable(ctx context.Context, key string) (bool, int, error) {
	if _, ok := g.table.ByKey(key); !ok {
		return false, 0, &reward.ValidationError{Field: "tier", Msg: fmt.Sprintf("unknown tier %q", key)}
	}
	snap, err := g.RemainingQuota(ctx)
	if err != nil {
		return false, 0, err
	}
	n := snap.Remaining(key)
	return n > 0, n, nil
}

// Register validates a submission, maps its reward label to a tier and
// submits it.
func (g *Gateway) Register(ctx context.Context, sub reward.Submission) (*reward.Receipt, error) {
	sub = normalize(sub)
	if err := g.validateSubmission(sub); err != nil {
		return nil, err
	}
	claimed, ok := g.table.ByLabel(sub.RewardLevel)
	if !ok {
		return nil, &reward.ValidationError{Field: "reward_level", Msg: fmt.Sprintf("unknown reward level %q", sub.RewardLevel)}
	}
	return g.Submit(ctx, sub, claimed)
}

// Submit performs the read-verify-write: fetch a fresh snapshot, recompute
// the tier for the submission's stamp count and append only when it still
// matches the claimed tier.
func (g *Gateway) Submit(ctx context.Context, sub reward.Submission, claimed reward.Tier) (*reward.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	subs, err := g.ledger.ListSubmissions(ctx)
	if err != nil {
		return nil, unavailable("read quota", err)
	}
	snap := g.table.Derive(subs)

	resolved, ok := g.table.NextAvailableTier(sub.CompletedCount, snap)
	if !ok {
		g.logger.Warn("registration rejected", "reason", reward.ReasonQuotaExhausted,
			"claimed", claimed.Key, "stamps", sub.CompletedCount)
		return nil, &reward.RejectionError{Kind: reward.ErrQuotaExhausted, Claimed: claimed, Remaining: snap}
	}
	if resolved.Key != claimed.Key {
		g.logger.Warn("registration rejected", "reason", reward.ReasonQuotaChanged,
			"claimed", claimed.Key, "resolved", resolved.Key, "stamps", sub.CompletedCount)
		return nil, &reward.RejectionError{Kind: reward.ErrQuotaChanged, Claimed: claimed, Resolved: &resolved, Remaining: snap}
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = g.now().UTC()
	}
	sub.RewardLevel = claimed.Label

	if err := g.ledger.AppendSubmission(ctx, sub); err != nil {
		return nil, unavailable("append submission", err)
	}

	subs = append(subs, sub)
	snap = g.table.Derive(subs)

	g.logger.Info("registration accepted", "id", sub.ID, "tier", claimed.Key,
		"stamps", sub.CompletedCount, "remaining", snap.Remaining(claimed.Key))
	g.notify(EventAccepted, snap)

	return &reward.Receipt{Submission: sub, Tier: claimed, Remaining: snap}, nil
}

// ResetAll wipes the ledger after checking adminKey. When an archiver is
// configured the ledger is exported first and a failed export aborts the
// reset. The returned string is the archive location, if any.
func (g *Gateway) ResetAll(ctx context.Context, adminKey string) (string, error) {
	if len(g.adminHash) == 0 || adminKey == "" {
		return "", reward.ErrAuth
	}
	if err := bcrypt.CompareHashAndPassword(g.adminHash, []byte(adminKey)); err != nil {
		g.logger.Warn("reset rejected", "reason", reward.ReasonAuth)
		return "", reward.ErrAuth
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var location string
	if g.archiver != nil {
		subs, err := g.ledger.ListSubmissions(ctx)
		if err != nil {
			return "", unavailable("read ledger for archive", err)
		}
		location, err = g.archiver.Archive(ctx, subs)
		if err != nil {
			return "", unavailable("archive ledger", err)
		}
	}

	if err := g.ledger.ClearAll(ctx); err != nil {
		return "", unavailable("clear ledger", err)
	}

	g.logger.Info("ledger reset", "archive", location)
	g.notify(EventReset, g.table.Full())
	return location, nil
}

func (g *Gateway) notify(event string, snap reward.Snapshot) {
	if g.observer != nil {
		g.observer(event, snap)
	}
}

func normalize(sub reward.Submission) reward.Submission {
	sub.Name = strings.TrimSpace(sub.Name)
	sub.Position = strings.TrimSpace(sub.Position)
	sub.Company = strings.TrimSpace(sub.Company)
	sub.Phone = strings.TrimSpace(sub.Phone)
	sub.Email = strings.TrimSpace(sub.Email)
	sub.RewardLevel = strings.TrimSpace(sub.RewardLevel)
	return sub
}

func (g *Gateway) validateSubmission(sub reward.Submission) error {
	for _, f := range g.required {
		if v, _ := sub.Field(f); v == "" {
			return &reward.ValidationError{Field: f, Msg: "is required"}
		}
	}
	if sub.RewardLevel == "" {
		return &reward.ValidationError{Field: "reward_level", Msg: "is required"}
	}
	if sub.Email != "" {
		if err := g.validate.Var(sub.Email, "email"); err != nil {
			return &reward.ValidationError{Field: reward.FieldEmail, Msg: "is not a valid address"}
		}
	}
	if sub.Phone != "" {
		if err := g.validate.Var(sub.Phone, "min=7,max=20,excludesrune=@"); err != nil {
			return &reward.ValidationError{Field: reward.FieldPhone, Msg: "is not a valid number"}
		}
	}
	if sub.CompletedCount < 0 {
		return &reward.ValidationError{Field: "completed_count", Msg: "must be >= 0"}
	}
	if g.maxStamps > 0 && sub.CompletedCount > g.maxStamps {
		return &reward.ValidationError{Field: "completed_count", Msg: fmt.Sprintf("must be <= %d", g.maxStamps)}
	}
	return nil
}
