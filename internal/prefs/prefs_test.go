package prefs

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshspy/dashboard/internal/database"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	m := database.NewManager(database.Config{Driver: database.DriverSQLite, Path: database.MemoryPath}, zerolog.Nop())
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })

	s, err := NewStore(m.DB)
	require.NoError(t, err)
	return s
}

func TestTheme_DefaultWhenUnset(t *testing.T) {
	s := newStore(t)

	theme, err := s.Theme(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ThemeSystem, theme)
}

func TestTheme_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetTheme(ctx, ThemeDark))
	theme, err := s.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, ThemeDark, theme)

	require.NoError(t, s.SetTheme(ctx, ThemeLight))
	theme, err = s.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, ThemeLight, theme)

	var count int64
	require.NoError(t, s.db.Model(&Preference{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "theme is stored under one key")
}

func TestSetTheme_RejectsUnknown(t *testing.T) {
	s := newStore(t)

	err := s.SetTheme(context.Background(), Theme("sepia"))
	assert.ErrorIs(t, err, ErrInvalidTheme)
}

func TestTheme_IgnoresCorruptValue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, ThemeKey, "neon"))

	theme, err := s.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTheme, theme)
}

func TestParseTheme(t *testing.T) {
	tests := []struct {
		in      string
		want    Theme
		wantErr bool
	}{
		{"light", ThemeLight, false},
		{" Dark ", ThemeDark, false},
		{"SYSTEM", ThemeSystem, false},
		{"", "", true},
		{"blue", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTheme(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTheme)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetSet_ArbitraryValue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	type layout struct {
		SidebarWidth int `json:"sidebarWidth"`
	}
	require.NoError(t, s.Set(ctx, "meshspy.layout", layout{SidebarWidth: 256}))

	var got layout
	ok, err := s.Get(ctx, "meshspy.layout", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 256, got.SidebarWidth)

	ok, err = s.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
