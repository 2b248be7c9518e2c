package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/stamptour/internal/database"
	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/dukerupert/stamptour/internal/server"
	"github.com/dukerupert/stamptour/internal/session"
	"github.com/dukerupert/stamptour/internal/store"
)

func startServer(t *testing.T) string {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hash, err := gateway.HashAdminKey("letmein", bcrypt.MinCost)
	require.NoError(t, err)
	srv, err := server.New(server.Config{
		Gateway: gateway.Config{Table: reward.DefaultTable(), MaxStamps: 11, AdminKeyHash: hash},
	}, store.NewSubmissionStore(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

func run(t *testing.T, serverURL, statePath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", serverURL, "--state", statePath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStampAndRegister(t *testing.T) {
	url := startServer(t)
	state := filepath.Join(t.TempDir(), "state.json")

	out, err := run(t, url, state, "stamp", "1", "2", "3", "4", "5", "6", "7", "8", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "9/11 booths")

	out, err = run(t, url, state, "stamp", "booth3")
	require.NoError(t, err)
	assert.Contains(t, out, "booth3 already stamped")

	out, err = run(t, url, state, "offer")
	require.NoError(t, err)
	assert.Contains(t, out, "reward: coffee")

	out, err = run(t, url, state, "register",
		"--name", "Kim", "--company", "Acme", "--phone", "010-1234-5678", "--email", "kim@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "registered: coffee for Kim")

	out, err = run(t, url, state, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:   submitted")

	_, err = run(t, url, state, "register",
		"--name", "Kim", "--company", "Acme", "--phone", "010-1234-5678", "--email", "kim@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been registered")

	out, err = run(t, url, state, "quota")
	require.NoError(t, err)
	assert.Contains(t, out, "9/10 left")
}

func TestRegisterValidationMessage(t *testing.T) {
	url := startServer(t)
	state := filepath.Join(t.TempDir(), "state.json")

	_, err := run(t, url, state, "stamp", "1", "2", "3", "4", "5", "6", "7")
	require.NoError(t, err)

	_, err = run(t, url, state, "register", "--name", "Kim", "--company", "Acme", "--phone", "010-1234-5678")
	require.Error(t, err)
	assert.Equal(t, "please check email: is required", err.Error())

	out, err := run(t, url, state, "status")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "state:   eligible"))
}

func TestNotEligible(t *testing.T) {
	url := startServer(t)
	state := filepath.Join(t.TempDir(), "state.json")

	_, err := run(t, url, state, "offer")
	require.Error(t, err)
	assert.Equal(t, "not enough stamps yet", err.Error())
}

func TestAdminResetLedger(t *testing.T) {
	url := startServer(t)
	state := filepath.Join(t.TempDir(), "state.json")

	_, err := run(t, url, state, "admin", "reset-ledger", "--key", "nope")
	require.Error(t, err)
	assert.Equal(t, "admin key rejected", err.Error())

	out, err := run(t, url, state, "admin", "reset-ledger", "--key", "letmein")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger cleared")
}

func TestDeviceReset(t *testing.T) {
	url := startServer(t)
	state := filepath.Join(t.TempDir(), "state.json")

	_, err := run(t, url, state, "stamp", "1", "2")
	require.NoError(t, err)
	out, err := run(t, url, state, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "device reset")

	out, err = run(t, url, state, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stamps:  0/11")
}

func TestReportRegistrationNotSaved(t *testing.T) {
	receipt := &reward.Receipt{
		Submission: reward.Submission{Name: "Kim", SubmittedAt: time.Now()},
		Tier:       reward.Tier{Key: "tier11", Label: "chicken"},
	}
	var out bytes.Buffer
	err := reportRegistration(&out, receipt, fmt.Errorf("%w: %w", session.ErrNotSaved, errors.New("disk full")))

	assert.Contains(t, out.String(), "registered: chicken for Kim")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not save it")
	assert.Contains(t, err.Error(), "do not register again")
}
