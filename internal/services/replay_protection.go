package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"
)

// ReplayProtection 已处理通知缓存
// Remembers store deliveries (Apple notificationUUID, Pub/Sub messageId) that were fully processed,
// so redeliveries are acknowledged without touching the database. Entries are recorded only after
// a successful commit; the durable duplicate check remains the transaction log.
type ReplayProtection struct {
	processedNotifications map[string]time.Time
	mutex                  sync.RWMutex
	cleanupInterval        time.Duration
	notificationTTL        time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
}

// NewReplayProtection 创建已处理通知缓存并启动清理协程
func NewReplayProtection(ttl time.Duration) *ReplayProtection {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rp := &ReplayProtection{
		processedNotifications: make(map[string]time.Time),
		cleanupInterval:        time.Hour, // 每小时清理一次
		notificationTTL:        ttl,
		stopCleanup:            make(chan struct{}),
	}

	go rp.startCleanupRoutine()

	return rp
}

// IsProcessed reports whether the delivery was already processed
func (rp *ReplayProtection) IsProcessed(store models.Store, deliveryID string) bool {
	if deliveryID == "" {
		return false
	}

	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	processedTime, exists := rp.processedNotifications[rp.generateNotificationID(store, deliveryID)]
	if exists && time.Since(processedTime) <= rp.notificationTTL {
		logging.Debugf("Redelivery detected - store: %s, delivery: %s, processed at: %v", store, deliveryID, processedTime)
		return true
	}
	return false
}

// MarkProcessed records a successfully processed delivery
func (rp *ReplayProtection) MarkProcessed(store models.Store, deliveryID string) {
	if deliveryID == "" {
		return
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	rp.processedNotifications[rp.generateNotificationID(store, deliveryID)] = time.Now()
}

// generateNotificationID 生成通知的唯一标识符
func (rp *ReplayProtection) generateNotificationID(store models.Store, deliveryID string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", store, deliveryID)))
	return hex.EncodeToString(hash[:])
}

// startCleanupRoutine 启动清理协程
func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期的通知记录
func (rp *ReplayProtection) cleanup() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := time.Now()
	initialCount := len(rp.processedNotifications)

	for notificationID, processedTime := range rp.processedNotifications {
		if now.Sub(processedTime) > rp.notificationTTL {
			delete(rp.processedNotifications, notificationID)
		}
	}

	cleanedCount := initialCount - len(rp.processedNotifications)
	if cleanedCount > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired notifications, remaining: %d", cleanedCount, len(rp.processedNotifications))
	}
}

// GetStats 获取统计信息
func (rp *ReplayProtection) GetStats() map[string]interface{} {
	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	return map[string]interface{}{
		"total_processed":  len(rp.processedNotifications),
		"cleanup_interval": rp.cleanupInterval.String(),
		"notification_ttl": rp.notificationTTL.String(),
	}
}

// Clear 清空所有记录（用于测试）
func (rp *ReplayProtection) Clear() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	rp.processedNotifications = make(map[string]time.Time)
}

// Stop 停止清理协程
func (rp *ReplayProtection) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCleanup) })
}
