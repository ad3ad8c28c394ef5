package services

import (
	"testing"
	"time"

	"entitlement-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestReplayProtection(t *testing.T) {
	rp := NewReplayProtection(time.Hour)
	defer rp.Stop()

	assert.False(t, rp.IsProcessed(models.StoreApple, "n-1"))
	rp.MarkProcessed(models.StoreApple, "n-1")
	assert.True(t, rp.IsProcessed(models.StoreApple, "n-1"))

	// Deliveries are scoped per store.
	assert.False(t, rp.IsProcessed(models.StoreGoogle, "n-1"))

	// Empty delivery ids are never tracked.
	rp.MarkProcessed(models.StoreApple, "")
	assert.False(t, rp.IsProcessed(models.StoreApple, ""))

	assert.Equal(t, 1, rp.GetStats()["total_processed"])
	rp.Clear()
	assert.False(t, rp.IsProcessed(models.StoreApple, "n-1"))
}

func TestReplayProtection_Expiry(t *testing.T) {
	rp := NewReplayProtection(10 * time.Millisecond)
	defer rp.Stop()

	rp.MarkProcessed(models.StoreApple, "n-1")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, rp.IsProcessed(models.StoreApple, "n-1"))
}
