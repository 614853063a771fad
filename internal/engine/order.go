package engine

import (
	"slices"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

// moveItem places itemID into target at position, or into no tier when target is
// model.Unranked. The item is first removed from every order it appears in, so the
// result is the same whether it came from the same tier, another tier or unranked.
// It returns the indexes of the tiers whose order changed.
func moveItem(tiers []model.Tier, itemID, target string, position *int) []int {
	before := make([][]string, len(tiers))
	for i, t := range tiers {
		before[i] = slices.Clone(t.ItemOrder)
	}

	removeEverywhere(tiers, itemID)
	if target != model.Unranked {
		ti := indexOfTier(tiers, target)
		tiers[ti].ItemOrder = insertAt(tiers[ti].ItemOrder, itemID, position)
	}

	var changed []int
	for i, t := range tiers {
		if !slices.Equal(before[i], t.ItemOrder) {
			changed = append(changed, i)
		}
	}
	return changed
}

// insertAt inserts id at min(max(position, 0), len(order)); nil appends.
func insertAt(order []string, id string, position *int) []string {
	at := len(order)
	if position != nil {
		at = clamp(*position, 0, len(order))
	}
	return slices.Insert(order, at, id)
}

// removeEverywhere drops every occurrence of itemID and returns the touched tier indexes.
func removeEverywhere(tiers []model.Tier, itemID string) []int {
	var touched []int
	for i := range tiers {
		n := len(tiers[i].ItemOrder)
		tiers[i].ItemOrder = slices.DeleteFunc(tiers[i].ItemOrder, func(id string) bool { return id == itemID })
		if len(tiers[i].ItemOrder) != n {
			touched = append(touched, i)
		}
	}
	return touched
}

// tierOf returns the id of the tier listing itemID, or "" when it is unranked.
func tierOf(tiers []model.Tier, itemID string) string {
	for _, t := range tiers {
		if slices.Contains(t.ItemOrder, itemID) {
			return t.ID
		}
	}
	return ""
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
