package api

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82/webhook"
)

func sign(payload []byte, at time.Time, secret string) string {
	return hex.EncodeToString(webhook.ComputeSignature(at, payload, secret))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	ts := now.Unix()
	good := sign(payload, now, "secret")
	old := now.Add(-10 * time.Minute)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", fmt.Sprintf("t=%d,v1=%s", ts, good), nil},
		{"generated header", SignatureHeaderValue(payload, now, "secret"), nil},
		{"rolled secret", fmt.Sprintf("t=%d,v1=%s,v1=%s", ts, sign(payload, now, "old"), good), nil},
		{"ignores other schemes", fmt.Sprintf("t=%d,v0=abc,v1=%s", ts, good), nil},
		{"empty", "", ErrMissingSignature},
		{"no v1", fmt.Sprintf("t=%d,v0=%s", ts, good), ErrInvalidSignature},
		{"wrong secret", fmt.Sprintf("t=%d,v1=%s", ts, sign(payload, now, "other")), ErrInvalidSignature},
		{"tampered timestamp", fmt.Sprintf("t=%d,v1=%s", ts+1, good), ErrInvalidSignature},
		{"too old", fmt.Sprintf("t=%d,v1=%s", old.Unix(), sign(payload, old, "secret")), ErrStaleSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.header, "secret", 5*time.Minute)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifySignature_ZeroToleranceSkipsAgeCheck(t *testing.T) {
	payload := []byte(`{}`)
	header := SignatureHeaderValue(payload, time.Unix(1, 0), "secret")
	assert.NoError(t, VerifySignature(payload, header, "secret", 0))
	assert.ErrorIs(t, VerifySignature(payload, header, "secret", time.Minute), ErrStaleSignature)
}

func TestVerifySignature_BadTimestamp(t *testing.T) {
	err := VerifySignature([]byte(`{}`), "t=abc,v1=00", "secret", time.Minute)
	assert.ErrorIs(t, err, ErrMissingSignature)
}
