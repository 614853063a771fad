// Package store persists tierlists, their items and their tiers.
//
// Tier placement lives on the tier row itself: every tier carries the ordered list of item ids
// it holds, so there is no separate assignment table to drift out of sync. Callers that need
// several writes to land together run them through Transaction.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

var ErrNotFound = errors.New("not found")
var ErrDuplicate = errors.New("already exists")

type Store interface {
	CreateTierlist(ctx context.Context, tl model.Tierlist, tiers []model.Tier) error
	GetTierlist(ctx context.Context, id string) (model.Tierlist, error)
	GetTierlistByShareCode(ctx context.Context, code string) (model.Tierlist, error)
	ListTierlists(ctx context.Context) ([]model.Tierlist, error)
	UpdateTierlist(ctx context.Context, id string, upd model.TierlistUpdate) (model.Tierlist, error)
	UpdateShareCode(ctx context.Context, id, code string) error
	// DeleteTierlist removes the tierlist with its items and tiers, and returns the image
	// paths that no remaining item references.
	DeleteTierlist(ctx context.Context, id string) ([]string, error)
	// DuplicateTierlist copies the items and tiers of sourceID under dst, with fresh ids.
	DuplicateTierlist(ctx context.Context, sourceID string, dst model.Tierlist) (model.Tierlist, error)

	// GetFullState is the single read a room reconciles from.
	GetFullState(ctx context.Context, tierlistID string) (model.FullState, error)

	// AddItem inserts or replaces the item with the same id. An id held by another tierlist
	// is ErrDuplicate.
	AddItem(ctx context.Context, item model.Item) error
	UpdateItem(ctx context.Context, id string, fields model.ItemFields) error
	// DeleteItem removes the row. The returned path is the item's image when no other item
	// still references it, and "" otherwise.
	DeleteItem(ctx context.Context, id string) (string, error)
	UpdateTierOrder(ctx context.Context, tierID string, order []string) error
	// UpdateTiersMetadata makes the tierlist's tiers exactly metas, positioned by index.
	// Existing tiers keep their item order; tiers absent from metas are removed. An id held by
	// another tierlist is ErrDuplicate and nothing is written.
	UpdateTiersMetadata(ctx context.Context, tierlistID string, metas []model.TierMeta) error

	// ImagePaths lists every distinct image path referenced by an item.
	ImagePaths(ctx context.Context) ([]string, error)

	// Transaction runs fn against a Store whose writes commit together, or not at all when fn errs.
	Transaction(ctx context.Context, fn func(Store) error) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
