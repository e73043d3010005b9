package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyTable_Resolve(t *testing.T) {
	def := Policy{Requests: 1000, Window: time.Hour}
	table := NewPolicyTable(def, map[string]Policy{
		"/api/v1/usage":             {Requests: 10, Window: time.Minute},
		"/api/v1/*":                 {Requests: 500, Window: time.Hour},
		"/api/v1/profiles/*":        {Requests: 100, Window: time.Minute},
		"/api/v1/profiles/{handle}": {Requests: 50, Window: time.Minute},
	})

	tests := []struct {
		route    string
		expected Policy
	}{
		{route: "/api/v1/usage", expected: Policy{Requests: 10, Window: time.Minute}},
		{route: "/api/v1/profiles/{handle}", expected: Policy{Requests: 50, Window: time.Minute}},
		{route: "/api/v1/profiles/neo/links", expected: Policy{Requests: 100, Window: time.Minute}},
		{route: "/api/v1/me", expected: Policy{Requests: 500, Window: time.Hour}},
		{route: "/api/v2/me", expected: def},
		{route: "", expected: def},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			assert.Equal(t, tt.expected, table.Resolve(tt.route))
		})
	}
}

func TestEffectiveLimit(t *testing.T) {
	base := Policy{Requests: 10, Window: time.Minute}

	assert.Equal(t, 10, EffectiveLimit(base, nil))
	assert.Equal(t, 100, EffectiveLimit(base, intPtr(100)))
	assert.Equal(t, 10, EffectiveLimit(base, intPtr(5)))
	assert.Equal(t, 10, EffectiveLimit(base, intPtr(0)))
	assert.Equal(t, 10, EffectiveLimit(base, intPtr(-1)))
}

func TestPolicy_WindowSeconds(t *testing.T) {
	assert.Equal(t, 3600, Policy{Window: time.Hour}.WindowSeconds())
	assert.Equal(t, 60, Policy{Window: time.Minute}.WindowSeconds())
}

func TestParsePolicies(t *testing.T) {
	doc := []byte(`
default:
  requests: 200
  window: 1h
routes:
  /api/v1/profiles/*:
    requests: 100
    window: 1m
  /api/v1/usage:
    requests: 10
    window_seconds: 60
`)

	table, err := ParsePolicies(doc)
	require.NoError(t, err)

	assert.Equal(t, Policy{Requests: 200, Window: time.Hour}, table.Default())
	assert.Equal(t, Policy{Requests: 100, Window: time.Minute}, table.Resolve("/api/v1/profiles/neo"))
	assert.Equal(t, Policy{Requests: 10, Window: time.Minute}, table.Resolve("/api/v1/usage"))
}

func TestParsePolicies_Unlimited(t *testing.T) {
	table, err := ParsePolicies([]byte("routes:\n  /health: {unlimited: true, window: 1m}\n"))
	require.NoError(t, err)
	assert.Equal(t, Policy{Requests: 0, Window: time.Minute}, table.Resolve("/health"))
}

func TestParsePolicies_DefaultsWhenMissing(t *testing.T) {
	table, err := ParsePolicies([]byte("routes: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, table.Default())
}

func TestParsePolicies_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing window", doc: "routes:\n  /a: {requests: 1}\n"},
		{name: "bad duration", doc: "routes:\n  /a: {requests: 1, window: soon}\n"},
		{name: "negative requests", doc: "routes:\n  /a: {requests: -1, window: 1m}\n"},
		{name: "missing requests", doc: "routes:\n  /api/v1/usage: {window: 1m}\n"},
		{name: "zero requests", doc: "routes:\n  /a: {requests: 0, window: 1m}\n"},
		{name: "default without requests", doc: "default: {window: 1h}\n"},
		{name: "requests and unlimited", doc: "routes:\n  /a: {requests: 5, unlimited: true, window: 1m}\n"},
		{name: "sub-second window", doc: "default: {requests: 1, window: 10ms}\n"},
		{name: "not yaml", doc: "routes: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: {requests: 5, window: 30s}\n"), 0o600))

	table, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, Policy{Requests: 5, Window: 30 * time.Second}, table.Default())

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
