package tokenkit

import (
	"testing"
	"time"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func TestIsExpiredBeforeExpiry(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Add(time.Hour).Unix()}

	if record.IsExpired(reference) {
		t.Fatalf("expected token with an hour left to be live")
	}
}

func TestIsExpiredAtExactExpiry(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Unix()}

	if !record.IsExpired(reference) {
		t.Fatalf("expected token expiring exactly now to be expired")
	}
}

func TestIsExpiredAfterExpiry(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Add(-time.Second).Unix()}

	if !record.IsExpired(reference) {
		t.Fatalf("expected past-expiry token to be expired")
	}
}

func TestIsNearExpiryInsideThreshold(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Add(6 * time.Hour).Unix()}

	if !record.IsNearExpiry(reference, 12*time.Hour) {
		t.Fatalf("expected token expiring in 6h to be near expiry with a 12h threshold")
	}
}

func TestIsNearExpiryOutsideThreshold(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Add(24 * time.Hour).Unix()}

	if record.IsNearExpiry(reference, 12*time.Hour) {
		t.Fatalf("expected token expiring in 24h to be outside a 12h threshold")
	}
}

func TestExpiredTokenIsAlwaysNearExpiry(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	record := TokenRecord{ExpiresAtUnix: reference.Add(-time.Minute).Unix()}

	for _, threshold := range []time.Duration{0, time.Minute, 12 * time.Hour} {
		if !record.IsNearExpiry(reference, threshold) {
			t.Fatalf("expected expired token to be near expiry at threshold %v", threshold)
		}
	}
}

func TestTimestampsRoundTripUTC(t *testing.T) {
	t.Parallel()

	record := TokenRecord{IssuedAtUnix: 1700000000, ExpiresAtUnix: 1700003600}
	if record.IssuedAt() != time.Unix(1700000000, 0).UTC() {
		t.Fatalf("unexpected issued-at: %v", record.IssuedAt())
	}
	if record.ExpiresAt() != time.Unix(1700003600, 0).UTC() {
		t.Fatalf("unexpected expires-at: %v", record.ExpiresAt())
	}
}
