package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Order is the read-only projection of a catalog order.
type Order struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	BusinessID string    `gorm:"column:business_id;size:190;not null;index"`
	CustomerID string    `gorm:"column:customer_id;size:190;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}

// Business is the read-only projection of a catalog business.
type Business struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerUserID string `gorm:"column:owner_user_id;size:190;not null;index"`
	Name        string `gorm:"column:name;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (Business) TableName() string {
	return "businesses"
}

// GormStore implements Store on top of the catalog tables.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a Store backed by gorm.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("conversations: database connection required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) LookupOrder(ctx context.Context, orderID string) (OrderRef, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("id = ?", orderID).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrderRef{}, ErrNotFound
	}
	if err != nil {
		return OrderRef{}, err
	}
	return OrderRef{BusinessID: order.BusinessID, CustomerID: order.CustomerID}, nil
}

func (s *GormStore) LookupBusinessOwner(ctx context.Context, businessID string) (string, error) {
	var business Business
	err := s.db.WithContext(ctx).Where("id = ?", businessID).Take(&business).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return business.OwnerUserID, nil
}
