package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidUser indicates an empty user identifier.
var ErrInvalidUser = errors.New("users: invalid user id")

// ServiceConfig describes the dependencies required for the profile service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps display names and durable last-seen timestamps.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	names sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records the display name carried by a session. Unchanged names are
// served from the cache without a write.
func (s *Service) Touch(ctx context.Context, userID, displayName string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	displayName = normalize(displayName)
	if cached, ok := s.names.Load(userID); ok && (displayName == "" || cached.(string) == displayName) {
		return nil
	}

	profile := Profile{UserID: userID, DisplayName: displayName, UpdatedAt: s.now().UTC()}
	columns := []string{"updated_at"}
	if displayName != "" {
		columns = append(columns, "display_name")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&profile).
		Error
	if err != nil {
		return err
	}
	if displayName != "" {
		s.names.Store(userID, displayName)
	} else {
		s.names.LoadOrStore(userID, "")
	}
	return nil
}

// DisplayName returns the best known name for the user, or "" when unknown.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	if cached, ok := s.names.Load(userID); ok {
		if name := cached.(string); name != "" {
			return name
		}
	}
	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return ""
	}
	if profile.DisplayName != "" {
		s.names.Store(userID, profile.DisplayName)
	}
	return profile.DisplayName
}

// RecordLastSeen persists the moment the user's last connection closed.
func (s *Service) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	seen := at.UTC()
	profile := Profile{UserID: userID, LastSeenAt: &seen, UpdatedAt: s.now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
		}).
		Create(&profile).
		Error
}

// LastSeen loads the durable last-seen timestamp; nil when never recorded.
func (s *Service) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return profile.LastSeenAt, nil
}
