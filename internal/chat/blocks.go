package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSelfBlock is returned when a user attempts to block themselves.
	ErrSelfBlock = errors.New("chat: cannot block yourself")
	// ErrMissingUserID is returned when either side of a block is empty.
	ErrMissingUserID = errors.New("chat: user id required")
)

// Block records that BlockerID no longer receives live deliveries from BlockedID.
type Block struct {
	BlockerID string    `gorm:"column:blocker_id;primaryKey;size:190;not null"`
	BlockedID string    `gorm:"column:blocked_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "user_blocks"
}

// GormBlockStore answers blocking questions through gorm.
type GormBlockStore struct {
	db *gorm.DB
}

// NewGormBlockStore constructs a block store.
func NewGormBlockStore(db *gorm.DB) (*GormBlockStore, error) {
	if db == nil {
		return nil, fmt.Errorf("chat: database connection required")
	}
	return &GormBlockStore{db: db}, nil
}

// BlockersOf returns the subset of candidates that have blocked subjectID, in a
// single query.
func (s *GormBlockStore) BlockersOf(ctx context.Context, subjectID string, candidates []string) ([]string, error) {
	candidates = lo.Uniq(lo.Compact(candidates))
	if subjectID == "" || len(candidates) == 0 {
		return nil, nil
	}
	var blockers []string
	err := s.db.WithContext(ctx).
		Model(&Block{}).
		Where("blocked_id = ? AND blocker_id IN ?", subjectID, candidates).
		Pluck("blocker_id", &blockers).
		Error
	if err != nil {
		return nil, fmt.Errorf("chat: blockers lookup: %w", err)
	}
	return blockers, nil
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *GormBlockStore) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	blockers, err := s.BlockersOf(ctx, blockedID, []string{blockerID})
	if err != nil {
		return false, err
	}
	return len(blockers) > 0, nil
}

// Block is idempotent.
func (s *GormBlockStore) Block(ctx context.Context, blockerID, blockedID string) error {
	blockerID, blockedID = strings.TrimSpace(blockerID), strings.TrimSpace(blockedID)
	if blockerID == "" || blockedID == "" {
		return ErrMissingUserID
	}
	if blockerID == blockedID {
		return ErrSelfBlock
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Block{BlockerID: blockerID, BlockedID: blockedID}).
		Error
}

// Unblock is idempotent.
func (s *GormBlockStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return s.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&Block{}).
		Error
}
