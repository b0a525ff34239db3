package interfaces

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrafficCounters_HasTraffic(t *testing.T) {
	tests := []struct {
		name     string
		counters TrafficCounters
		expected bool
	}{
		{"no traffic", TrafficCounters{}, false},
		{"uplink only", TrafficCounters{Uplink: 1}, true},
		{"downlink only", TrafficCounters{Downlink: 2048}, true},
		{"both", TrafficCounters{Uplink: 1024, Downlink: 2048}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.counters.HasTraffic())
		})
	}
}

func TestNewPendingCredential(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cred := Credential{ID: "c1", Label: "phone"}

	pending := NewPendingCredential(cred, now, DefaultAdmissionHorizon)

	assert.Equal(t, now, pending.CreatedAt)
	assert.Equal(t, now.Add(5*time.Minute), pending.ExpiresAt)
	assert.False(t, pending.Expired(now.Add(5*time.Minute)))
	assert.True(t, pending.Expired(now.Add(5*time.Minute+time.Nanosecond)))
}

func TestOutputError_Unwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := fmt.Errorf("generate: %w", &OutputError{
		Kind:   ErrKeyGeneration,
		Output: "boom",
		Err:    cause,
	})

	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.NotErrorIs(t, err, ErrKeyParse)

	var outErr *OutputError
	require.True(t, errors.As(err, &outErr))
	assert.Equal(t, "boom", outErr.Output)

	assert.ErrorIs(t, err, cause)
}
