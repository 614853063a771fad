package model

import "time"

// Unranked is the pseudo tier id clients use to pull an item out of every tier.
const Unranked = "unranked"

type Tierlist struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ShareCode   string    `json:"share_code"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Item is a rankable entry of one tierlist. An empty Image or Description means absent.
type Item struct {
	ID          string    `json:"id"`
	TierlistID  string    `json:"tierlist_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tier owns the authoritative placement of items: ItemOrder lists item ids top to bottom.
type Tier struct {
	ID         string   `json:"id"`
	TierlistID string   `json:"tierlist_id"`
	Name       string   `json:"name"`
	Color      string   `json:"color"`
	Position   int      `json:"position"`
	ItemOrder  []string `json:"item_order"`
}

// TierMeta is the editable part of a tier, as sent by tiers-update.
type TierMeta struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ItemFields holds optional fields for a partial item update.
// Nil fields are left untouched.
type ItemFields struct {
	Name        *string `json:"name,omitempty"`
	Image       *string `json:"image,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (f ItemFields) Empty() bool {
	return f.Name == nil && f.Image == nil && f.Description == nil
}

// Merge returns a copy of it with every non-nil field of f applied.
func (f ItemFields) Merge(it Item) Item {
	if f.Name != nil {
		it.Name = *f.Name
	}
	if f.Image != nil {
		it.Image = *f.Image
	}
	if f.Description != nil {
		it.Description = *f.Description
	}
	return it
}

// TierlistUpdate holds optional fields for a partial tierlist update.
type TierlistUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// FullState is one reconciliation read of a tierlist: every item and every tier with its order.
type FullState struct {
	Items []Item `json:"items"`
	Tiers []Tier `json:"tiers"`
}

func (t Tier) Meta() TierMeta {
	return TierMeta{ID: t.ID, Name: t.Name, Color: t.Color}
}

func (t Tier) Clone() Tier {
	t.ItemOrder = append([]string(nil), t.ItemOrder...)
	if t.ItemOrder == nil {
		t.ItemOrder = []string{}
	}
	return t
}
