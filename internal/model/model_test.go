package model

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPalette(t *testing.T) {
	p := DefaultPalette()
	require.Len(t, p.Tiers, 5)
	assert.Equal(t, "S", p.Tiers[0].Name)
	assert.Equal(t, "#ff7f7f", p.Tiers[0].Color)
	assert.Equal(t, "D", p.Tiers[4].Name)
}

func TestLoadPalette_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  - name: Top\n    color: \"#000\"\n  - name: Bottom\n    color: \"#fff\"\n"), 0o644))

	p, err := LoadPalette(path)
	require.NoError(t, err)
	require.Len(t, p.Tiers, 2)
	assert.Equal(t, "Bottom", p.Tiers[1].Name)
}

func TestParsePalette_Rejects(t *testing.T) {
	_, err := ParsePalette([]byte("tiers: []"))
	assert.ErrorIs(t, err, ErrEmptyPalette)

	_, err = ParsePalette([]byte("tiers:\n  - color: red\n"))
	assert.Error(t, err)
}

func TestPalette_Instantiate(t *testing.T) {
	n := 0
	newID := func() string { n++; return "tier-" + strconv.Itoa(n) }

	tiers := DefaultPalette().Instantiate("tl-1", newID)
	require.Len(t, tiers, 5)
	for i, tier := range tiers {
		assert.Equal(t, i, tier.Position)
		assert.Equal(t, "tl-1", tier.TierlistID)
		assert.NotNil(t, tier.ItemOrder)
	}
	assert.Equal(t, "tier-1", tiers[0].ID)
}

func TestItemFields_Merge(t *testing.T) {
	img := "images/b.png"
	it := Item{ID: "a", Name: "Alpha", Description: "first"}

	got := ItemFields{Image: &img}.Merge(it)

	assert.Equal(t, "Alpha", got.Name)
	assert.Equal(t, "first", got.Description)
	assert.Equal(t, img, got.Image)
	assert.True(t, ItemFields{}.Empty())
}
