package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader carries the webhook signature
const SignatureHeader = "Stripe-Signature"

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("no signature matches the payload")
	ErrStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// SignatureHeaderValue builds a header value as the platform sends it
func SignatureHeaderValue(payload []byte, timestamp time.Time, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: timestamp,
	}).Header
}

// VerifySignature checks a "t=<unix>,v1=<hex>[,v1=<hex>...]" header against
// payload. Several v1 entries are present while a secret is being rolled.
// A zero tolerance skips the age check.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	var err error
	if tolerance > 0 {
		err = webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	} else {
		err = webhook.ValidatePayloadIgnoringTolerance(payload, header, secret)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrMissingSignature, err)
	case errors.Is(err, webhook.ErrTooOld):
		return ErrStaleSignature
	case errors.Is(err, webhook.ErrNoValidSignature):
		return ErrInvalidSignature
	default:
		return err
	}
}
