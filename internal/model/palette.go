package model

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_tiers.yaml
var defaultTiersYAML []byte

var ErrEmptyPalette = errors.New("tier palette has no tiers")

// Palette is the tier set every new tierlist starts with.
type Palette struct {
	Tiers []PaletteTier `yaml:"tiers"`
}

type PaletteTier struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// DefaultPalette returns the built-in S..D palette.
func DefaultPalette() Palette {
	p, err := ParsePalette(defaultTiersYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded tier palette: %v", err))
	}
	return p
}

// LoadPalette reads a palette override; an empty path yields the default palette.
func LoadPalette(path string) (Palette, error) {
	if path == "" {
		return DefaultPalette(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Palette{}, fmt.Errorf("reading tier palette: %w", err)
	}
	return ParsePalette(data)
}

func ParsePalette(data []byte) (Palette, error) {
	var p Palette
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Palette{}, fmt.Errorf("parsing tier palette: %w", err)
	}
	if len(p.Tiers) == 0 {
		return Palette{}, ErrEmptyPalette
	}
	for i, t := range p.Tiers {
		if t.Name == "" {
			return Palette{}, fmt.Errorf("tier palette entry %d: missing name", i)
		}
	}
	return p, nil
}

// Instantiate builds the tiers of a fresh tierlist, one per palette entry, positioned in order.
func (p Palette) Instantiate(tierlistID string, newID func() string) []Tier {
	tiers := make([]Tier, 0, len(p.Tiers))
	for i, t := range p.Tiers {
		tiers = append(tiers, Tier{
			ID:         newID(),
			TierlistID: tierlistID,
			Name:       t.Name,
			Color:      t.Color,
			Position:   i,
			ItemOrder:  []string{},
		})
	}
	return tiers
}
