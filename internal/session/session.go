// Package session is the per-device registration state machine. It keeps a
// device from registering twice and from having two submissions in flight,
// independent of the server-side quota check.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/stamptour/internal/reward"
)

// State is the registration state of one device.
type State int

const (
	StateIdle State = iota
	StateEligible
	StateSubmitting
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEligible:
		return "eligible"
	case StateSubmitting:
		return "submitting"
	case StateSubmitted:
		return "submitted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrAlreadySubmitted = errors.New("this device has already registered")
	ErrInFlight         = errors.New("a registration is already in progress")
	ErrNotEligible      = errors.New("not enough stamps for a reward")
	ErrNoOffer          = errors.New("no reward offer is open")
	// ErrNotSaved accompanies a receipt when the server accepted the
	// registration but the device could not record it.
	ErrNotSaved = errors.New("registration accepted but device state not saved")
)

// Gateway is the server side as seen from a device.
type Gateway interface {
	Remaining(ctx context.Context) (reward.Snapshot, error)
	Register(ctx context.Context, sub reward.Submission) (*reward.Receipt, error)
}

// Contact holds the registration form fields.
type Contact struct {
	Name     string
	Position string
	Company  string
	Phone    string
	Email    string
}

// Offer is the tier a device is about to register for.
type Offer struct {
	Tier     reward.Tier
	Eligible reward.Tier
	// Degraded is set when higher tiers were exhausted.
	Degraded bool
	// Optimistic is set when quota could not be read and the offer assumes
	// full limits; the server re-verifies on write.
	Optimistic bool
}

// Config configures a Session.
type Config struct {
	Table  reward.Table
	Booths []string
}

// Session drives one device through Idle → Eligible → Submitting →
// Submitted.
type Session struct {
	mu      sync.Mutex
	table   reward.Table
	booths  []string
	store   DeviceStore
	gateway Gateway
	logger  *slog.Logger
	now     func() time.Time

	st    DeviceState
	state State
	offer *Offer
	// release is set while this session holds the store's claim.
	release func()
}

// New loads device state and returns a session in Idle, Eligible or
// Submitted depending on it.
func New(cfg Config, store DeviceStore, gw Gateway, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	booths := cfg.Booths
	if len(booths) == 0 {
		booths = Booths(DefaultBoothCount)
	}
	st, err := store.Load()
	if err != nil {
		return nil, err
	}

	s := &Session{
		table:   cfg.Table,
		booths:  booths,
		store:   store,
		gateway: gw,
		logger:  logger,
		now:     time.Now,
		st:      st,
	}
	s.evaluate()
	return s, nil
}

// evaluate applies the Idle/Eligible/Submitted transitions. A claim held by
// another session on the same store shows as Submitting; when that claim is
// gone the state is reloaded, since the other session may have registered.
// Caller holds mu.
func (s *Session) evaluate() {
	if s.release != nil {
		return
	}
	if s.store.Claimed() {
		s.state = StateSubmitting
		s.offer = nil
		return
	}
	if s.state == StateSubmitting {
		if st, err := s.store.Load(); err == nil {
			s.st = st
		} else {
			s.logger.Warn("reload device state", "error", err)
		}
		s.state = StateIdle
	}

	switch {
	case s.st.Submitted:
		s.state = StateSubmitted
		s.offer = nil
	case s.state == StateIdle:
		if _, ok := s.table.EligibleTier(completedCount(s.st, s.booths)); ok {
			s.state = StateEligible
		}
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CompletedCount returns the number of distinct booths stamped.
func (s *Session) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return completedCount(s.st, s.booths)
}

// Complete reports whether every booth has been stamped.
func (s *Session) Complete() bool {
	return s.CompletedCount() == len(s.booths)
}

// Stamps returns a copy of the stamp map.
func (s *Session) Stamps() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.st).Stamps
}

// Pending returns registrations whose delivery could not be confirmed.
func (s *Session) Pending() []reward.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reward.Submission(nil), s.st.Pending...)
}

// Stamp marks a booth as visited. Stamping is unconditional and stamping the
// same booth twice is a no-op; the returned bool reports whether the stamp
// is new.
func (s *Session) Stamp(booth string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.knownBooth(booth); err != nil {
		return false, err
	}
	if s.st.Stamps[booth] {
		return false, nil
	}

	next := cloneState(s.st)
	next.Stamps[booth] = true
	if err := s.store.Save(next); err != nil {
		return false, fmt.Errorf("save stamp: %w", err)
	}
	s.st = next
	s.evaluate()
	return true, nil
}

// Offer resolves the tier this device would receive now. It fetches the
// remaining quota and, when that fails, falls back to the full limits with
// Optimistic set.
func (s *Session) Offer(ctx context.Context) (*Offer, error) {
	s.mu.Lock()
	s.evaluate()
	switch s.state {
	case StateSubmitted:
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	case StateSubmitting:
		s.mu.Unlock()
		return nil, ErrInFlight
	case StateIdle:
		s.mu.Unlock()
		return nil, ErrNotEligible
	}
	count := completedCount(s.st, s.booths)
	s.mu.Unlock()

	eligible, _ := s.table.EligibleTier(count)

	optimistic := false
	snap, err := s.gateway.Remaining(ctx)
	if err != nil {
		s.logger.Warn("quota read failed, assuming full limits", "error", err)
		snap = s.table.Full()
		optimistic = true
	}

	tier, ok := s.table.NextAvailableTier(count, snap)
	if !ok {
		return nil, &reward.RejectionError{Kind: reward.ErrQuotaExhausted, Claimed: eligible, Remaining: snap}
	}

	offer := &Offer{
		Tier:       tier,
		Eligible:   eligible,
		Degraded:   tier.Key != eligible.Key,
		Optimistic: optimistic,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEligible {
		return nil, ErrInFlight
	}
	s.offer = offer
	return offer, nil
}

// Close discards an open offer. It does not cancel a registration that is
// already in flight.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEligible {
		s.offer = nil
	}
}

// Confirm registers the open offer. A second Confirm while one is in flight,
// from this session or any other on the same store, returns ErrInFlight
// without contacting the server. The device is marked
// submitted only when the server confirms the registration; any other
// outcome returns the session to Idle so the visitor can retry.
func (s *Session) Confirm(ctx context.Context, c Contact) (*reward.Receipt, error) {
	s.mu.Lock()
	s.evaluate()
	switch s.state {
	case StateSubmitting:
		s.mu.Unlock()
		return nil, ErrInFlight
	case StateSubmitted:
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	case StateIdle:
		s.mu.Unlock()
		return nil, ErrNotEligible
	}
	if s.offer == nil {
		s.mu.Unlock()
		return nil, ErrNoOffer
	}

	release, err := s.store.Claim()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if st, err := s.store.Load(); err == nil {
		s.st = st
	}
	if s.st.Submitted {
		release()
		s.state = StateSubmitted
		s.offer = nil
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	s.release = release

	sub := reward.Submission{
		Name:           c.Name,
		Position:       c.Position,
		Company:        c.Company,
		Phone:          c.Phone,
		Email:          c.Email,
		CompletedCount: completedCount(s.st, s.booths),
		RewardLevel:    s.offer.Tier.Label,
		SubmittedAt:    s.now().UTC(),
	}
	s.state = StateSubmitting
	s.mu.Unlock()

	receipt, err := s.gateway.Register(ctx, sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.releaseClaim()
	s.offer = nil

	if err != nil {
		s.state = StateIdle
		if errors.Is(err, reward.ErrStorageUnavailable) {
			s.journal(sub)
		}
		s.logger.Warn("registration failed", "reason", reward.Reason(err), "error", err)
		return nil, err
	}

	if st, err := s.store.Load(); err == nil {
		s.st = st
	}
	next := cloneState(s.st)
	next.Submitted = true
	next.Pending = nil
	s.st = next
	s.state = StateSubmitted
	if err := s.store.Save(next); err != nil {
		// The server has the record; keep the in-memory latch regardless.
		s.logger.Error("save submitted flag", "error", err)
		return receipt, fmt.Errorf("%w: %w", ErrNotSaved, err)
	}
	return receipt, nil
}

// releaseClaim gives up the store claim. Caller holds mu.
func (s *Session) releaseClaim() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// journal records a registration whose outcome is unknown. Caller holds mu.
func (s *Session) journal(sub reward.Submission) {
	next := cloneState(s.st)
	next.Pending = append(next.Pending, sub)
	if err := s.store.Save(next); err != nil {
		s.logger.Error("journal pending registration", "error", err)
		return
	}
	s.st = next
}

// Reset clears stamps, the submitted flag and the pending journal.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluate()
	if s.state == StateSubmitting {
		return ErrInFlight
	}

	next := DeviceState{Stamps: map[string]bool{}}
	if err := s.store.Save(next); err != nil {
		return fmt.Errorf("reset device state: %w", err)
	}
	s.st = next
	s.state = StateIdle
	s.offer = nil
	return nil
}
