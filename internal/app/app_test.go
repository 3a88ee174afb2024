package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/config"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const policies = `
default:
  before:
    - {minutes: 0, rate: 0.3}
  after:
    - {minutes: 60, rate: 0.6}
operators:
  - operator: SRT
    before:
      - {minutes: 0, rate: 0.05}
    after:
      - {minutes: 60, rate: 0.2}
`

func TestPoliciesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policies), 0o600))
	a := &App{Logger: zap.NewNop()}

	resolver, err := a.policies(context.Background(), config.FeePolicy{File: path})
	require.NoError(t, err)

	departure := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	srt, err := resolver.Resolve(context.Background(), "SRT")
	require.NoError(t, err)
	require.Equal(t, 0.05, srt.CalculateRate(departure, departure, departure.Add(-time.Hour)))

	other, err := resolver.Resolve(context.Background(), "KORAIL")
	require.NoError(t, err)
	require.Equal(t, 0.3, other.CalculateRate(departure, departure, departure.Add(-time.Hour)))
}

func TestPoliciesWithoutSources(t *testing.T) {
	a := &App{Logger: zap.NewNop()}
	resolver, err := a.policies(context.Background(), config.FeePolicy{})
	require.NoError(t, err)

	departure := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	p, err := resolver.Resolve(context.Background(), "KORAIL")
	require.NoError(t, err)
	require.Equal(t, 0.0, p.CalculateRate(departure, departure, departure.Add(-48*time.Hour)))
}

func TestPoliciesBadFile(t *testing.T) {
	a := &App{Logger: zap.NewNop()}
	_, err := a.policies(context.Background(), config.FeePolicy{File: filepath.Join(t.TempDir(), "none.yaml")})
	require.Error(t, err)
}

func TestCloseRunsInReverse(t *testing.T) {
	var order []int
	a := &App{}
	a.closers = []func(){func() { order = append(order, 1) }, func() { order = append(order, 2) }}
	a.Close()
	a.Close()
	require.Equal(t, []int{2, 1}, order)
}

func TestLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	a := &App{Logger: zap.New(core)}

	a.Logged("promote", nil)
	a.Logged("promote", lock.ErrLockBusy)
	a.Logged("promote", context.Canceled)
	a.Logged("promote", errors.New("db down"))

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "promote", logs.All()[0].ContextMap()["job"])
}

func TestNewRequiresDatabase(t *testing.T) {
	t.Setenv("SETTLEMENT_DB", "")
	_, err := New(context.Background(), zap.NewNop(), config.Load(), Options{})
	require.ErrorContains(t, err, "SETTLEMENT_DB")
}
