package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukerupert/stamptour/internal/reward"
)

// DeviceState is everything a device keeps locally: its stamps, whether it
// has a confirmed registration, and registrations whose delivery failed.
type DeviceState struct {
	Stamps    map[string]bool     `json:"stamps"`
	Submitted bool                `json:"submitted"`
	Pending   []reward.Submission `json:"pending,omitempty"`
}

// DeviceStore persists DeviceState on the device.
//
// Claim reserves the device for one submission across every session that
// shares the store. It returns ErrInFlight while another holder has it.
// Claimed reports whether a claim is currently held by anyone.
type DeviceStore interface {
	Load() (DeviceState, error)
	Save(DeviceState) error
	Claim() (release func(), err error)
	Claimed() bool
}

// DefaultClaimTTL bounds how long a claim left behind by a crashed process
// blocks the device.
const DefaultClaimTTL = 2 * time.Minute

// FileStore keeps DeviceState as a JSON file. Writes go to a temp file that
// is renamed over the target. Claims are a lock file created with O_EXCL
// next to the state file.
type FileStore struct {
	path     string
	claimTTL time.Duration
	now      func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, claimTTL: DefaultClaimTTL, now: time.Now}
}

func (f *FileStore) lockPath() string {
	return f.path + ".lock"
}

func (f *FileStore) Claim() (func(), error) {
	lock := f.lockPath()
	if err := os.MkdirAll(filepath.Dir(lock), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(fh, "%d\n", os.Getpid())
			fh.Close()
			return func() { os.Remove(lock) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("claim device: %w", err)
		}
		if !f.clearStale() {
			return nil, ErrInFlight
		}
	}
	return nil, ErrInFlight
}

func (f *FileStore) Claimed() bool {
	info, err := os.Stat(f.lockPath())
	if err != nil {
		return false
	}
	return f.now().Sub(info.ModTime()) <= f.claimTTL
}

// clearStale removes a lock file older than the claim TTL and reports
// whether it did.
func (f *FileStore) clearStale() bool {
	info, err := os.Stat(f.lockPath())
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	if f.now().Sub(info.ModTime()) <= f.claimTTL {
		return false
	}
	err = os.Remove(f.lockPath())
	return err == nil || errors.Is(err, os.ErrNotExist)
}

func (f *FileStore) Load() (DeviceState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return DeviceState{Stamps: map[string]bool{}}, nil
	}
	if err != nil {
		return DeviceState{}, fmt.Errorf("read device state: %w", err)
	}

	var st DeviceState
	if err := json.Unmarshal(data, &st); err != nil {
		return DeviceState{}, fmt.Errorf("decode device state: %w", err)
	}
	if st.Stamps == nil {
		st.Stamps = map[string]bool{}
	}
	return st, nil
}

func (f *FileStore) Save(st DeviceState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stampcard-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write device state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace device state: %w", err)
	}
	return nil
}

// MemoryStore is a DeviceStore that lives only as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	st      DeviceState
	claimed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: DeviceState{Stamps: map[string]bool{}}}
}

func (m *MemoryStore) Load() (DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.st), nil
}

func (m *MemoryStore) Save(st DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = cloneState(st)
	return nil
}

func (m *MemoryStore) Claim() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed {
		return nil, ErrInFlight
	}
	m.claimed = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.claimed = false
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) Claimed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed
}

func cloneState(st DeviceState) DeviceState {
	cp := DeviceState{
		Stamps:    make(map[string]bool, len(st.Stamps)),
		Submitted: st.Submitted,
		Pending:   append([]reward.Submission(nil), st.Pending...),
	}
	for k, v := range st.Stamps {
		cp.Stamps[k] = v
	}
	return cp
}
