package facts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidActivityID indicates that an activity identifier is empty or exceeds storage bounds.
	ErrInvalidActivityID = errors.New("facts: invalid activity id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("facts: invalid user id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("facts: invalid unix timestamp")
	// ErrInvalidDateKey indicates that a calendar-day key does not name a real date.
	ErrInvalidDateKey = errors.New("facts: invalid date key")
)

// ActivityID represents a validated activity identifier.
type ActivityID string

// NewActivityID validates raw input and returns an ActivityID.
func NewActivityID(rawInput string) (ActivityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActivityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActivityID, maxIdentifierLength)
	}
	return ActivityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActivityID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Time converts the timestamp to a time.Time in UTC.
func (ts UnixTimestamp) Time() time.Time {
	return time.Unix(int64(ts), 0).UTC()
}

// DateKey names one calendar day as YYYYMMDD in the reference timezone.
// Every device computes the key in the same reference timezone so that all
// copies of a fact agree on which day it belongs to.
type DateKey int

// NewDateKey validates that the value names a real calendar day.
func NewDateKey(value int) (DateKey, error) {
	year := value / 10000
	month := value / 100 % 100
	day := value % 100
	if year < 1970 || month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDateKey, value)
	}
	canonical := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if canonical.Year() != year || int(canonical.Month()) != month || canonical.Day() != day {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDateKey, value)
	}
	return DateKey(value), nil
}

// DateKeyForTime computes the calendar-day key for an instant, interpreted in
// the provided reference timezone.
func DateKeyForTime(at time.Time, location *time.Location) DateKey {
	local := at.In(location)
	return DateKey(local.Year()*10000 + int(local.Month())*100 + local.Day())
}

// Int exposes the raw key value.
func (key DateKey) Int() int {
	return int(key)
}

func (key DateKey) midnightUTC() time.Time {
	value := int(key)
	return time.Date(value/10000, time.Month(value/100%100), value%100, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the key for the day the given number of calendar days away.
func (key DateKey) AddDays(offset int) DateKey {
	shifted := key.midnightUTC().AddDate(0, 0, offset)
	return DateKey(shifted.Year()*10000 + int(shifted.Month())*100 + shifted.Day())
}

// DaysBetween returns the calendar-day distance from earlier to later. The
// result is negative when later precedes earlier.
func DaysBetween(earlier, later DateKey) int {
	return int(later.midnightUTC().Sub(earlier.midnightUTC()).Hours() / 24)
}

// ComposeScoreID builds the deterministic composite identifier for a score
// fact. Two devices publishing the same day's score for the same activity
// produce the same id, making republication an idempotent upsert.
func ComposeScoreID(userID UserID, dateKey DateKey, activityID ActivityID) string {
	return fmt.Sprintf("%s:%08d:%s", userID.String(), dateKey.Int(), activityID.String())
}

// Result models one immutable play fact. Rows are never updated in place;
// corrections are expressed as new results.
type Result struct {
	ResultID        string `gorm:"column:result_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_results_user_activity_time,priority:1"`
	ActivityID      string `gorm:"column:activity_id;size:190;not null;index:idx_results_user_activity_time,priority:2"`
	PlayedAtSeconds int64  `gorm:"column:played_at_s;not null;index:idx_results_user_activity_time,priority:3"`
	DateKey         int    `gorm:"column:date_key;not null"`
	Score           *int   `gorm:"column:score"`
	MaxAttempts     int    `gorm:"column:max_attempts;not null;default:0"`
	Completed       bool   `gorm:"column:completed;not null;default:false"`
	MetadataJSON    string `gorm:"column:metadata_json;type:text;not null;default:''"`
	OriginDevice    string `gorm:"column:origin_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Result) TableName() string {
	return "results"
}

// Score models one leaderboard fact. The composite primary key makes
// republication from any device a no-op instead of a duplicate row.
type Score struct {
	ScoreID           string `gorm:"column:score_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_scores_user_day,priority:1"`
	ActivityID        string `gorm:"column:activity_id;size:190;not null"`
	DateKey           int    `gorm:"column:date_key;not null;index:idx_scores_user_day,priority:2"`
	Value             int    `gorm:"column:value;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Score) TableName() string {
	return "scores"
}
