package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidProfile indicates the input did not contain a usable identifier.
var ErrInvalidProfile = errors.New("users: invalid profile")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the user-id to display-name directory.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
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
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Upsert records or refreshes a profile. Empty fields on an update leave the
// stored value in place rather than erasing it.
func (s *Service) Upsert(ctx context.Context, userID, displayName, avatarURL string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidProfile
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			DisplayName: normalize(displayName),
			AvatarURL:   normalize(avatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{}
		if name := normalize(displayName); name != "" && name != profile.DisplayName {
			updates["display_name"] = name
			profile.DisplayName = name
		}
		if avatar := normalize(avatarURL); avatar != "" && avatar != profile.AvatarURL {
			updates["avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.WithContext(ctx).Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error; err != nil {
			return err
		}
	}

	s.cache.Store(userID, profile.DisplayName)
	return nil
}

// DisplayName resolves a user id to its stored display name. Unknown users
// fall back to the raw id so a leaderboard row never renders blank.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	userID = normalize(userID)
	if userID == "" {
		return ""
	}

	if cached, ok := s.cache.Load(userID); ok {
		name, ok := cached.(string)
		if ok && name != "" {
			return name
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&profile).
		Error
	if err != nil || normalize(profile.DisplayName) == "" {
		return userID
	}

	s.cache.Store(userID, profile.DisplayName)
	return profile.DisplayName
}
