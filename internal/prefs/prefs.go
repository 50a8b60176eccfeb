// Package prefs persists the user's theme preference, the only state the
// dashboard keeps across restarts.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ThemeKey is the fixed key of the theme preference.
const ThemeKey = "meshspy.theme"

// Theme is the colour scheme of the page.
type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// DefaultTheme applies until the user picks one.
const DefaultTheme = ThemeSystem

// ErrInvalidTheme is returned for values other than light, dark and system.
var ErrInvalidTheme = errors.New("invalid theme")

// ParseTheme validates a theme name.
func ParseTheme(s string) (Theme, error) {
	switch t := Theme(strings.ToLower(strings.TrimSpace(s))); t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTheme, s)
	}
}

// Preference is one stored key/value pair.
type Preference struct {
	Key       string         `gorm:"primaryKey;size:128" json:"key"`
	Value     datatypes.JSON `json:"value"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TableName pins the table name.
func (Preference) TableName() string {
	return "preferences"
}

// Store reads and writes preferences.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the preference table on db.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Preference{}); err != nil {
		return nil, fmt.Errorf("failed to migrate preferences: %w", err)
	}
	return &Store{db: db}, nil
}

// Get decodes the value stored under key into out. It reports false when the
// key has never been set.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var p Preference
	err := s.db.WithContext(ctx).Where(&Preference{Key: key}).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	if err := json.Unmarshal(p.Value, out); err != nil {
		return false, fmt.Errorf("failed to decode preference %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any earlier value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference %s: %w", key, err)
	}
	p := Preference{Key: key, Value: datatypes.JSON(b), UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("failed to store preference %s: %w", key, err)
	}
	return nil
}

// Theme returns the stored theme, or DefaultTheme when none is stored or the
// stored value is not a known theme.
func (s *Store) Theme(ctx context.Context) (Theme, error) {
	var raw string
	ok, err := s.Get(ctx, ThemeKey, &raw)
	if err != nil || !ok {
		return DefaultTheme, err
	}
	t, err := ParseTheme(raw)
	if err != nil {
		return DefaultTheme, nil
	}
	return t, nil
}

// SetTheme stores t after validating it.
func (s *Store) SetTheme(ctx context.Context, t Theme) error {
	t, err := ParseTheme(string(t))
	if err != nil {
		return err
	}
	return s.Set(ctx, ThemeKey, t)
}
