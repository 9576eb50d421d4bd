package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions contains the dependencies for the record store
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations for SubscriptionRecords.
// It implements Store for the Reconciler.
type Manager struct {
	ManagerOptions
}

var _ Store = (*Manager)(nil)

// NewManager returns a new Manager for subscription records
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&SubscriptionRecord{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetByUserID returns the record for a user, or nil if none exists yet
func (m *Manager) GetByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	var rec SubscriptionRecord
	result := m.DB.WithContext(ctx).First(&rec, "user_id = ?", userID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get record by user id")
	}
	return &rec, nil
}

// GetByCustomerID returns the record holding a given Stripe customer id, or nil
func (m *Manager) GetByCustomerID(ctx context.Context, customerID string) (*SubscriptionRecord, error) {
	var rec SubscriptionRecord
	result := m.DB.WithContext(ctx).First(&rec, "customer_id = ?", customerID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("CustomerID", customerID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get record by customer id")
	}
	return &rec, nil
}

// Create inserts the first record for a user
func (m *Manager) Create(ctx context.Context, rec *SubscriptionRecord) error {
	rec.UpdatedAt = time.Now()
	result := m.DB.WithContext(ctx).Create(rec)
	if result.Error != nil {
		m.Logger.Error("Unable to create subscription record in database",
			zap.String("UserID", rec.UserID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription record")
	}
	return nil
}

// UpdateConditional performs the full-record write, conditioned on the row
// still carrying the UpdatedAt the caller read. Returns false without error
// when another writer got there first.
func (m *Manager) UpdateConditional(ctx context.Context, rec *SubscriptionRecord, expected time.Time) (bool, error) {
	rec.UpdatedAt = time.Now()
	result := m.DB.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("user_id = ?", rec.UserID).
		Where("updated_at = ?", expected).
		Select("*").
		Updates(rec)

	if result.Error != nil {
		m.Logger.Error("Unable to update subscription record in database",
			zap.String("UserID", rec.UserID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot update subscription record")
	}
	return result.RowsAffected > 0, nil
}

// UpdatePortalURL stores the latest billing-portal link for a user. Portal
// links are navigation state, not subscription status, so they do not go
// through the Reconciler.
func (m *Manager) UpdatePortalURL(ctx context.Context, userID, url string) error {
	result := m.DB.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("user_id = ?", userID).
		Update("portal_url", url)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update portal url")
	}
	return nil
}

// UpdateStatus is the narrow conflict fallback: when the conditional full
// write keeps losing the race, move only the status so reconciliation does
// not fail outright.
func (m *Manager) UpdateStatus(ctx context.Context, userID string, status Status, source Source) error {
	result := m.DB.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":     status,
			"source":     source,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		m.Logger.Error("Unable to update subscription status in database",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update subscription status")
	}
	return nil
}
