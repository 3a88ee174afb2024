package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var departure = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestDefaultRates(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	arrival := departure.Add(3 * time.Hour)

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"two days before", departure.Add(-48 * time.Hour), 0},
		{"exactly one day before", departure.Add(-24 * time.Hour), 0},
		{"five hours before", departure.Add(-5 * time.Hour), 0.05},
		{"one hour before", departure.Add(-time.Hour), 0.1},
		{"at departure", departure, 0.15},
		{"20 minutes after", departure.Add(20 * time.Minute), 0.15},
		{"30 minutes after", departure.Add(30 * time.Minute), 0.4},
		{"two hours after", departure.Add(2 * time.Hour), 0.7},
		{"two days after", departure.Add(48 * time.Hour), 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, p.CalculateRate(departure, arrival, tt.at))
		})
	}
}

func TestValidate(t *testing.T) {
	p := Default()
	p.After[0].Rate = 1.5
	require.Error(t, p.Validate())

	p = Default()
	p.Before = nil
	require.Error(t, p.Validate())

	p = Default()
	p.Operator = ""
	require.Error(t, p.Validate())
}

const policyYAML = `
default:
  before:
    - {minutes: 0, rate: 0.2}
  after:
    - {minutes: 60, rate: 0.5}
operators:
  - operator: SRT
    before:
      - {minutes: 60, rate: 0.05}
      - {minutes: 2880, rate: 0}
    after:
      - {minutes: 60, rate: 0.3}
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	byOperator, def, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, byOperator, 1)
	require.Equal(t, "DEFAULT", def.Operator)

	srt := byOperator["SRT"]
	// tiers are sorted on load
	require.Equal(t, 2880, srt.Before[0].Minutes)
	require.Equal(t, 0.0, srt.CalculateRate(departure, departure.Add(time.Hour), departure.Add(-72*time.Hour)))
	require.Equal(t, 0.05, srt.CalculateRate(departure, departure.Add(time.Hour), departure.Add(-2*time.Hour)))
	require.Equal(t, 0.05, srt.CalculateRate(departure, departure.Add(time.Hour), departure.Add(-time.Minute)))
	require.Equal(t, 0.3, srt.CalculateRate(departure, departure.Add(time.Hour), departure.Add(time.Minute)))

	_, _, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	body := `
operators:
  - operator: SRT
    before: [{minutes: 0, rate: 0.1}]
    after: [{minutes: 60, rate: 0.3}]
  - operator: SRT
    before: [{minutes: 0, rate: 0.1}]
    after: [{minutes: 60, rate: 0.3}]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	_, _, err := LoadFile(path)
	require.ErrorContains(t, err, "defined twice")
}

type fakeStore map[string]*TieredPolicy

func (s fakeStore) Get(_ context.Context, operator string) (*TieredPolicy, error) {
	if operator == "BROKEN" {
		return nil, errors.New("connection refused")
	}
	if p, ok := s[operator]; ok {
		return p, nil
	}
	return nil, model.ErrNotFound
}

func TestResolverOrder(t *testing.T) {
	live := &TieredPolicy{Operator: "KORAIL", Before: []Tier{{Rate: 0.01}}, After: []Tier{{Rate: 0.01}}}
	file := &TieredPolicy{Operator: "KORAIL", Before: []Tier{{Rate: 0.02}}, After: []Tier{{Rate: 0.02}}}
	srt := &TieredPolicy{Operator: "SRT", Before: []Tier{{Rate: 0.03}}, After: []Tier{{Rate: 0.03}}}
	static := map[string]*TieredPolicy{"KORAIL": file, "SRT": srt}
	ctx := context.Background()

	r := NewResolver(zap.NewNop(), fakeStore{"KORAIL": live}, static, Default())
	tests := []struct {
		operator string
		want     model.FeePolicy
	}{
		{"KORAIL", live},
		{"SRT", srt},
		{"BROKEN", r.fallback},
		{"AREX", r.fallback},
	}
	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.operator)
		require.NoError(t, err)
		require.Same(t, tt.want, got)
	}

	strict := NewResolver(zap.NewNop(), nil, static, nil)
	_, err := strict.Resolve(ctx, "AREX")
	require.ErrorIs(t, err, model.ErrNotFound)
}
