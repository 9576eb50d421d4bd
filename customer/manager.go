package customer

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to the user/customer
// identity mapping
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for customer identities
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize customer.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Link records that a user owns a Stripe customer identity. Linking the same
// pair again is a no-op; attempting to re-point a user to a different
// customer id is refused, since a user maps to at most one identity.
func (m *Manager) Link(ctx context.Context, userID, customerID, email string) error {
	if len(userID) == 0 {
		return fmt.Errorf("empty userID is invalid")
	}
	if len(customerID) == 0 {
		return fmt.Errorf("empty customerID is invalid")
	}

	existing, err := m.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ID != customerID {
			m.logger.Error("Refusing to re-point user to a different customer identity",
				zap.String("UserID", userID),
				zap.String("ExistingCustomerID", existing.ID),
				zap.String("CustomerID", customerID),
			)
			return fmt.Errorf("user already linked to a different customer identity")
		}
		return nil
	}

	mapping := &Customer{
		ID:     customerID,
		UserID: userID,
		Email:  email,
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(mapping)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.String("CustomerID", customerID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot link customer identity")
	}
	return nil
}

// GetByID will try to return the mapping by Stripe customer id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// GetByUserID will try to return the mapping by user id
func (m *Manager) GetByUserID(ctx context.Context, userID string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "user_id = ?", userID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by user id")
	}

	return &cust, nil
}

// UserIDForCustomer resolves a Stripe customer id to the owning user id.
// Returns empty without error when no user maps to the customer: that is a
// data problem for the caller to log and drop, not a transient failure.
func (m *Manager) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	cust, err := m.GetByID(ctx, customerID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", nil
	}
	return cust.UserID, nil
}

// CustomerIDForUser resolves a user id to their Stripe customer id, empty
// when no identity has been linked yet. Implements
// subscription.CustomerDirectory.
func (m *Manager) CustomerIDForUser(ctx context.Context, userID string) (string, error) {
	cust, err := m.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", nil
	}
	return cust.ID, nil
}
