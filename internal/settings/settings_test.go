package settings

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadEmpty(t *testing.T) {
	s := openMemory(t)
	_, err := s.Load()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadOrSeed(t *testing.T) {
	s := openMemory(t)
	seed := Defaults()
	rec, err := s.LoadOrSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, seed, rec)

	other := seed
	other.TargetURL = "https://other.example.com"
	rec, err = s.LoadOrSeed(other)
	require.NoError(t, err)
	assert.Equal(t, seed, rec, "existing record wins over a new seed")
}

func TestLoadOrSeedRejectsInvalidSeed(t *testing.T) {
	s := openMemory(t)
	seed := Defaults()
	seed.TargetURL = "http://plain.example.com"
	_, err := s.LoadOrSeed(seed)
	require.ErrorIs(t, err, ErrInvalidURL)

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.LoadOrSeed(Defaults())
	require.NoError(t, err)
	rec.Theme = ThemeLight
	changed, err := s.SaveIfChanged(rec)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSaveRoundTrip(t *testing.T) {
	s := openMemory(t)
	rec := Record{TargetURL: "https://speed.example.com/10mb.bin", Theme: ThemeDark, MeasureDownload: true}
	require.NoError(t, s.Save(rec))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.MeasureUpload = true
	rec.Theme = ThemeLight
	require.NoError(t, s.Save(rec))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := openMemory(t)
	err := s.Save(Record{TargetURL: "http://insecure.example.com"})
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Save(Record{TargetURL: DefaultTargetURL, Theme: Theme(7)}))
}

func TestSaveIfChanged(t *testing.T) {
	s := openMemory(t)
	rec := Defaults()
	changed, err := s.SaveIfChanged(rec)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SaveIfChanged(rec)
	require.NoError(t, err)
	assert.False(t, changed)

	rec.MeasureUpload = false
	changed, err = s.SaveIfChanged(rec)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	rec := Record{TargetURL: "https://example.com", Theme: ThemeLight, MeasureUpload: true}
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://www.google.com",
		"https://example.com/path?q=1",
		"https://127.0.0.1:8443/blob",
	}
	for _, u := range valid {
		assert.NoError(t, ValidateURL(u), u)
	}
	invalid := []string{
		"",
		"www.google.com",
		"http://www.google.com",
		"https://",
		" https://www.google.com",
		"https://www.google.com ",
		"https://exa mple.com",
		"ftp://example.com",
	}
	for _, u := range invalid {
		assert.ErrorIs(t, ValidateURL(u), ErrInvalidURL, u)
	}
}

func TestProbeConfiguration(t *testing.T) {
	cfg := Record{TargetURL: "https://example.com", MeasureDownload: true}.ProbeConfiguration()
	assert.Equal(t, "https://example.com", cfg.TargetURL)
	assert.True(t, cfg.MeasureDownload)
	assert.False(t, cfg.MeasureUpload)
}

func TestThemeJSON(t *testing.T) {
	raw, err := json.Marshal(Record{TargetURL: DefaultTargetURL, Theme: ThemeDark})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"theme":"dark"`)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"target_url":"https://example.com","theme":"light"}`), &rec))
	assert.Equal(t, ThemeLight, rec.Theme)
	assert.Error(t, json.Unmarshal([]byte(`{"theme":"sepia"}`), &rec))
}
