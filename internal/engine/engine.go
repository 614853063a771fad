package engine

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

var ErrMissingName = errors.New("item name is required")
var ErrItemNotFound = errors.New("item not found")
var ErrTierNotFound = errors.New("tier not found")
var ErrInvalidTiers = errors.New("invalid tier list")
var ErrUnsupportedCommand = errors.New("unsupported command")

type State struct {
	TierlistID     string
	Items          []model.Item
	Tiers          []model.Tier // sorted by Position
	ConnectedUsers int
	LastModified   time.Time
}

type CommandType string

const (
	CmdItemAdd     CommandType = "item-add"
	CmdItemMove    CommandType = "item-move"
	CmdItemDelete  CommandType = "item-delete"
	CmdItemUpdate  CommandType = "item-update"
	CmdTiersUpdate CommandType = "tiers-update"
	CmdBulkImport  CommandType = "bulk-import"
)

/*
	CmdItemAdd     -> EvtItemAdded     (AddItem)
	CmdBulkImport  -> EvtBulkImported  (AddItem per new item)
	CmdItemMove    -> EvtItemMoved     (SaveTierOrder for source and target)
	CmdItemDelete  -> EvtItemDeleted   (SaveTierOrder for the tier holding it, DeleteItem)
	CmdItemUpdate  -> EvtItemUpdated   (UpdateItem)
	CmdTiersUpdate -> EvtTiersUpdated  (SaveTiers)

	Duplicate adds and no-op moves yield an empty Result: nothing to persist, nothing to broadcast.
*/

type Command struct {
	Type         CommandType
	Item         model.Item       // item-add
	Items        []model.Item     // bulk-import
	ItemID       string           // item-move, item-delete, item-update
	TargetTierID string           // item-move; model.Unranked removes the item from every tier
	Position     *int             // item-move; nil appends
	Fields       model.ItemFields // item-update
	Tiers        []model.TierMeta // tiers-update
	At           time.Time
}

type EventType string

const (
	EvtItemAdded    EventType = "item-added"
	EvtItemMoved    EventType = "item-moved"
	EvtItemDeleted  EventType = "item-deleted"
	EvtItemUpdated  EventType = "item-updated"
	EvtTiersUpdated EventType = "tiers-updated"
	EvtBulkImported EventType = "bulk-imported"
)

type Event struct {
	Type       EventType
	Item       *model.Item
	Items      []model.Item
	ItemID     string
	FromTierID string // "" when the item was unranked
	ToTierID   string
	Position   int
	Tiers      []model.Tier
}

// Effect is one store write a command needs before its new state may be committed.
type Effect interface{ isEffect() }

type AddItem struct{ Item model.Item }

type UpdateItem struct {
	ItemID string
	Fields model.ItemFields
}

type DeleteItem struct{ ItemID string }

type SaveTierOrder struct {
	TierID string
	Order  []string
}

type SaveTiers struct {
	TierlistID string
	Tiers      []model.TierMeta
}

func (AddItem) isEffect()       {}
func (UpdateItem) isEffect()    {}
func (DeleteItem) isEffect()    {}
func (SaveTierOrder) isEffect() {}
func (SaveTiers) isEffect()     {}

// Result is what a command produces: the state to commit once every effect is durable,
// and the events to broadcast afterwards.
type Result struct {
	State   State
	Effects []Effect
	Events  []Event
}

// Noop reports whether the command changed nothing.
func (r Result) Noop() bool {
	return len(r.Effects) == 0 && len(r.Events) == 0
}

var newItemID = func() string { return "item-" + uuid.NewString() }
var newTierID = func() string { return "tier-" + uuid.NewString() }

// Apply computes the outcome of cmd on s. It never mutates s and never performs I/O.
func Apply(s State, cmd Command) (Result, error) {
	at := cmd.At
	if at.IsZero() {
		at = time.Now()
	}

	switch cmd.Type {
	case CmdItemAdd:
		item, err := normalizeItem(s.TierlistID, cmd.Item, at)
		if err != nil {
			return Result{State: s}, err
		}
		if hasDuplicate(s.Items, item) {
			return Result{State: s}, nil
		}
		if item.ID == "" {
			item.ID = newItemID()
		}

		newState := s.clone()
		newState.Items = append(newState.Items, item)
		newState.LastModified = at
		return Result{
			State:   newState,
			Effects: []Effect{AddItem{Item: item}},
			Events:  []Event{{Type: EvtItemAdded, Item: &item}},
		}, nil

	case CmdBulkImport:
		newState := s.clone()
		var effects []Effect
		var added []model.Item
		for _, candidate := range cmd.Items {
			item, err := normalizeItem(s.TierlistID, candidate, at)
			if err != nil {
				// A nameless entry is skipped, the rest of the batch still lands.
				continue
			}
			if hasDuplicate(newState.Items, item) {
				continue
			}
			if item.ID == "" {
				item.ID = newItemID()
			}
			newState.Items = append(newState.Items, item)
			effects = append(effects, AddItem{Item: item})
			added = append(added, item)
		}
		if len(added) == 0 {
			return Result{State: s}, nil
		}
		newState.LastModified = at
		return Result{
			State:   newState,
			Effects: effects,
			Events:  []Event{{Type: EvtBulkImported, Items: added}},
		}, nil

	case CmdItemMove:
		if indexOfItem(s.Items, cmd.ItemID) < 0 {
			return Result{State: s}, ErrItemNotFound
		}
		target := cmd.TargetTierID
		if target == "" {
			target = model.Unranked
		}
		if target != model.Unranked && indexOfTier(s.Tiers, target) < 0 {
			return Result{State: s}, ErrTierNotFound
		}

		from := tierOf(s.Tiers, cmd.ItemID)
		newState := s.clone()
		changed := moveItem(newState.Tiers, cmd.ItemID, target, cmd.Position)
		if len(changed) == 0 {
			return Result{State: s}, nil
		}

		effects := make([]Effect, 0, len(changed))
		for _, idx := range changed {
			t := newState.Tiers[idx]
			effects = append(effects, SaveTierOrder{TierID: t.ID, Order: slices.Clone(t.ItemOrder)})
		}

		position := 0
		if target != model.Unranked {
			position = slices.Index(newState.Tiers[indexOfTier(newState.Tiers, target)].ItemOrder, cmd.ItemID)
		}
		newState.LastModified = at
		return Result{
			State:   newState,
			Effects: effects,
			Events: []Event{{
				Type:       EvtItemMoved,
				ItemID:     cmd.ItemID,
				FromTierID: from,
				ToTierID:   target,
				Position:   position,
			}},
		}, nil

	case CmdItemDelete:
		idx := indexOfItem(s.Items, cmd.ItemID)
		if idx < 0 {
			return Result{State: s}, ErrItemNotFound
		}

		newState := s.clone()
		newState.Items = slices.Delete(newState.Items, idx, idx+1)

		var effects []Effect
		for _, ti := range removeEverywhere(newState.Tiers, cmd.ItemID) {
			t := newState.Tiers[ti]
			effects = append(effects, SaveTierOrder{TierID: t.ID, Order: slices.Clone(t.ItemOrder)})
		}
		effects = append(effects, DeleteItem{ItemID: cmd.ItemID})

		newState.LastModified = at
		return Result{
			State:   newState,
			Effects: effects,
			Events:  []Event{{Type: EvtItemDeleted, ItemID: cmd.ItemID}},
		}, nil

	case CmdItemUpdate:
		idx := indexOfItem(s.Items, cmd.ItemID)
		if idx < 0 {
			return Result{State: s}, ErrItemNotFound
		}
		fields := trimFields(cmd.Fields)
		if fields.Name != nil && *fields.Name == "" {
			return Result{State: s}, ErrMissingName
		}
		if fields.Empty() {
			return Result{State: s}, nil
		}

		newState := s.clone()
		merged := fields.Merge(newState.Items[idx])
		merged.UpdatedAt = at
		newState.Items[idx] = merged
		newState.LastModified = at
		return Result{
			State:   newState,
			Effects: []Effect{UpdateItem{ItemID: cmd.ItemID, Fields: fields}},
			Events:  []Event{{Type: EvtItemUpdated, Item: &merged}},
		}, nil

	case CmdTiersUpdate:
		metas, err := normalizeTiers(cmd.Tiers)
		if err != nil {
			return Result{State: s}, err
		}

		newState := s.clone()
		newState.Tiers = replaceTiers(s.TierlistID, newState.Tiers, metas)
		newState.LastModified = at

		tiers := make([]model.Tier, len(newState.Tiers))
		for i, t := range newState.Tiers {
			tiers[i] = t.Clone()
		}
		return Result{
			State:   newState,
			Effects: []Effect{SaveTiers{TierlistID: s.TierlistID, Tiers: metas}},
			Events:  []Event{{Type: EvtTiersUpdated, Tiers: tiers}},
		}, nil

	default:
		return Result{State: s}, ErrUnsupportedCommand
	}
}

// trimFields applies the same whitespace rules as normalizeItem to a partial update.
func trimFields(f model.ItemFields) model.ItemFields {
	trim := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := strings.TrimSpace(*p)
		return &v
	}
	return model.ItemFields{Name: trim(f.Name), Image: trim(f.Image), Description: trim(f.Description)}
}

func normalizeItem(tierlistID string, in model.Item, at time.Time) (model.Item, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Item{}, ErrMissingName
	}
	out := model.Item{
		ID:          strings.TrimSpace(in.ID),
		TierlistID:  tierlistID,
		Name:        name,
		Image:       strings.TrimSpace(in.Image),
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = at
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = at
	}
	return out, nil
}

// hasDuplicate matches on id, or on the (name, image) pair.
func hasDuplicate(items []model.Item, candidate model.Item) bool {
	return slices.ContainsFunc(items, func(it model.Item) bool {
		if candidate.ID != "" && it.ID == candidate.ID {
			return true
		}
		return it.Name == candidate.Name && it.Image == candidate.Image
	})
}

func normalizeTiers(in []model.TierMeta) ([]model.TierMeta, error) {
	if len(in) == 0 {
		return nil, ErrInvalidTiers
	}
	seen := make(map[string]bool, len(in))
	out := make([]model.TierMeta, 0, len(in))
	for _, m := range in {
		m.ID = strings.TrimSpace(m.ID)
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			return nil, ErrInvalidTiers
		}
		if m.ID == "" {
			m.ID = newTierID()
		}
		if seen[m.ID] {
			return nil, ErrInvalidTiers
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}

// replaceTiers rebuilds the tier set from metas. Surviving tiers keep their order;
// items of dropped tiers fall back to unranked.
func replaceTiers(tierlistID string, current []model.Tier, metas []model.TierMeta) []model.Tier {
	byID := make(map[string]model.Tier, len(current))
	for _, t := range current {
		byID[t.ID] = t
	}
	out := make([]model.Tier, 0, len(metas))
	for i, m := range metas {
		t, ok := byID[m.ID]
		if !ok {
			t = model.Tier{ID: m.ID, TierlistID: tierlistID, ItemOrder: []string{}}
		}
		t.Name = m.Name
		t.Color = m.Color
		t.Position = i
		out = append(out, t)
	}
	return out
}

func (s State) clone() State {
	out := s
	out.Items = slices.Clone(s.Items)
	out.Tiers = make([]model.Tier, len(s.Tiers))
	for i, t := range s.Tiers {
		out.Tiers[i] = t.Clone()
	}
	return out
}

func indexOfItem(items []model.Item, id string) int {
	return slices.IndexFunc(items, func(it model.Item) bool { return it.ID == id })
}

func indexOfTier(tiers []model.Tier, id string) int {
	return slices.IndexFunc(tiers, func(t model.Tier) bool { return t.ID == id })
}
