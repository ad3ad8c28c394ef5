package database

import (
	"time"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// TransactionExists 检查事件是否已记录
func TransactionExists(db *gorm.DB, store models.Store, eventKey string) (bool, error) {
	var count int64
	err := db.Model(&models.Transaction{}).
		Where("store = ? AND event_key = ?", store, eventKey).
		Count(&count).Error
	return count > 0, err
}

// TransactionRecorded 检查血缘中是否已应用过该商店交易
func TransactionRecorded(db *gorm.DB, store models.Store, originalTransactionID, storeTransactionID string) (bool, error) {
	var count int64
	err := db.Model(&models.Transaction{}).
		Where("store = ? AND original_transaction_id = ? AND store_transaction_id = ? AND outcome = ?",
			store, originalTransactionID, storeTransactionID, models.OutcomeApplied).
		Count(&count).Error
	return count > 0, err
}

// LatestRecordedExpiry 获取已应用交易记录的最晚到期时间
// Returns nil when no applied record of the store transaction carries an expiry.
func LatestRecordedExpiry(db *gorm.DB, store models.Store, originalTransactionID, storeTransactionID string) (*time.Time, error) {
	var rows []models.Transaction
	err := db.Where("store = ? AND original_transaction_id = ? AND store_transaction_id = ? AND outcome = ? AND expires_at IS NOT NULL",
		store, originalTransactionID, storeTransactionID, models.OutcomeApplied).
		Order("expires_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].ExpiresAt, nil
}

// FindDeferredTransactions 获取血缘创建前已应用但未关联订阅的状态事件
// Ordered by occurrence, oldest first.
func FindDeferredTransactions(db *gorm.DB, store models.Store, originalTransactionID string, since time.Time) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := db.Where("store = ? AND original_transaction_id = ? AND outcome = ? AND subscription_id IS NULL AND occurred_at >= ?",
		store, originalTransactionID, models.OutcomeApplied, since).
		Where("event_kind IN ?", models.DeferrableKinds).
		Order("occurred_at ASC, created_at ASC").
		Find(&rows).Error
	return rows, err
}

// CreateTransaction 写入交易审计记录
func CreateTransaction(db *gorm.DB, transaction *models.Transaction) error {
	return db.Create(transaction).Error
}

// TransactionFilter narrows an audit listing
type TransactionFilter struct {
	Store                 models.Store
	OriginalTransactionID string
	UserID                string
	Limit                 int
	Offset                int
}

// ListTransactions 查询交易审计记录
func ListTransactions(db *gorm.DB, filter TransactionFilter) ([]models.Transaction, int64, error) {
	query := db.Model(&models.Transaction{})
	if filter.Store != "" {
		query = query.Where("store = ?", filter.Store)
	}
	if filter.OriginalTransactionID != "" {
		query = query.Where("original_transaction_id = ?", filter.OriginalTransactionID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var transactions []models.Transaction
	err := query.Order("occurred_at DESC, created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&transactions).Error
	return transactions, total, err
}
