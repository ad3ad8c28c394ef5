package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"entitlement-reconciler/internal/models"
)

// ErrTestNotification marks a store heartbeat/test delivery; it is acknowledged, never processed.
var ErrTestNotification = errors.New("test notification")

// Normalizer converts a raw store notification body into a StoreEvent.
// It returns ErrMalformedPayload (wrapped) when required identifiers are missing.
type Normalizer interface {
	Store() models.Store
	Normalize(ctx context.Context, raw []byte) (*models.StoreEvent, error)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := millisToTime(ms)
	return &t
}

// parseMillisString parses Google's string-encoded int64 milliseconds
func parseMillisString(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return ms, true
}

func boolPtr(b bool) *bool {
	return &b
}
