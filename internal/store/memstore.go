package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

var ErrInjected = errors.New("injected failure")

// Op names a Store method for failure injection.
type Op string

const (
	OpCreateTierlist      Op = "CreateTierlist"
	OpGetFullState        Op = "GetFullState"
	OpAddItem             Op = "AddItem"
	OpUpdateItem          Op = "UpdateItem"
	OpDeleteItem          Op = "DeleteItem"
	OpUpdateTierOrder     Op = "UpdateTierOrder"
	OpUpdateTiersMetadata Op = "UpdateTiersMetadata"
	OpDuplicateTierlist   Op = "DuplicateTierlist"
)

type memData struct {
	tierlists map[string]model.Tierlist
	items     map[string]model.Item
	tiers     map[string]model.Tier
}

func (d memData) clone() memData {
	out := memData{
		tierlists: maps.Clone(d.tierlists),
		items:     maps.Clone(d.items),
		tiers:     make(map[string]model.Tier, len(d.tiers)),
	}
	for id, t := range d.tiers {
		out.tiers[id] = t.Clone()
	}
	return out
}

// MemStore keeps everything in process memory. Transactions are serialized and roll back by
// restoring a snapshot.
type MemStore struct {
	mu   sync.Mutex
	txMu sync.Mutex
	data memData
	fail map[Op]int
	now  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: memData{
			tierlists: map[string]model.Tierlist{},
			items:     map[string]model.Item{},
			tiers:     map[string]model.Tier{},
		},
		fail: map[Op]int{},
		now:  time.Now,
	}
}

// FailNext makes the next call of op return ErrInjected.
func (m *MemStore) FailNext(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op]++
}

// ItemCount reports how many items of tierlistID are stored.
func (m *MemStore) ItemCount(tierlistID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.data.items {
		if it.TierlistID == tierlistID {
			n++
		}
	}
	return n
}

func (m *MemStore) injected(op Op) error {
	if m.fail[op] > 0 {
		m.fail[op]--
		return ErrInjected
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) Transaction(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemStore) CreateTierlist(ctx context.Context, tl model.Tierlist, tiers []model.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpCreateTierlist); err != nil {
		return err
	}
	if err := m.checkNewTierlist(tl); err != nil {
		return err
	}
	m.data.tierlists[tl.ID] = m.stamp(tl)
	for _, t := range tiers {
		m.data.tiers[t.ID] = t.Clone()
	}
	return nil
}

func (m *MemStore) checkNewTierlist(tl model.Tierlist) error {
	if _, ok := m.data.tierlists[tl.ID]; ok {
		return ErrDuplicate
	}
	if tl.ShareCode == "" {
		return nil
	}
	for _, other := range m.data.tierlists {
		if other.ShareCode == tl.ShareCode {
			return ErrDuplicate
		}
	}
	return nil
}

func (m *MemStore) stamp(tl model.Tierlist) model.Tierlist {
	now := m.now()
	if tl.CreatedAt.IsZero() {
		tl.CreatedAt = now
	}
	if tl.UpdatedAt.IsZero() {
		tl.UpdatedAt = now
	}
	return tl
}

func (m *MemStore) GetTierlist(ctx context.Context, id string) (model.Tierlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.data.tierlists[id]
	if !ok {
		return model.Tierlist{}, ErrNotFound
	}
	return tl, nil
}

func (m *MemStore) GetTierlistByShareCode(ctx context.Context, code string) (model.Tierlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tl := range m.data.tierlists {
		if tl.ShareCode == code {
			return tl, nil
		}
	}
	return model.Tierlist{}, ErrNotFound
}

func (m *MemStore) ListTierlists(ctx context.Context) ([]model.Tierlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.data.tierlists))
	slices.SortFunc(out, func(a, b model.Tierlist) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemStore) UpdateTierlist(ctx context.Context, id string, upd model.TierlistUpdate) (model.Tierlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.data.tierlists[id]
	if !ok {
		return model.Tierlist{}, ErrNotFound
	}
	if upd.Name != nil {
		tl.Name = *upd.Name
	}
	if upd.Description != nil {
		tl.Description = *upd.Description
	}
	tl.UpdatedAt = m.now()
	m.data.tierlists[id] = tl
	return tl, nil
}

func (m *MemStore) UpdateShareCode(ctx context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.data.tierlists[id]
	if !ok {
		return ErrNotFound
	}
	for otherID, other := range m.data.tierlists {
		if otherID != id && other.ShareCode == code {
			return ErrDuplicate
		}
	}
	tl.ShareCode = code
	tl.UpdatedAt = m.now()
	m.data.tierlists[id] = tl
	return nil
}

func (m *MemStore) DeleteTierlist(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.tierlists[id]; !ok {
		return nil, ErrNotFound
	}
	images := map[string]bool{}
	for _, it := range m.data.items {
		if it.TierlistID == id && it.Image != "" {
			images[it.Image] = true
		}
	}

	delete(m.data.tierlists, id)
	maps.DeleteFunc(m.data.items, func(_ string, it model.Item) bool { return it.TierlistID == id })
	maps.DeleteFunc(m.data.tiers, func(_ string, t model.Tier) bool { return t.TierlistID == id })

	for _, it := range m.data.items {
		delete(images, it.Image)
	}
	released := slices.Collect(maps.Keys(images))
	slices.Sort(released)
	return released, nil
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) DuplicateTierlist(ctx context.Context, sourceID string, dst model.Tierlist) (model.Tierlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpDuplicateTierlist); err != nil {
		return model.Tierlist{}, err
	}
	full, err := m.fullState(sourceID)
	if err != nil {
		return model.Tierlist{}, err
	}
	if err := m.checkNewTierlist(dst); err != nil {
		return model.Tierlist{}, err
	}

	items, tiers := copyState(full, dst.ID)
	dst = m.stamp(dst)
	m.data.tierlists[dst.ID] = dst
	for _, it := range items {
		m.data.items[it.ID] = it
	}
	for _, t := range tiers {
		m.data.tiers[t.ID] = t
	}
	return dst, nil
}

func (m *MemStore) GetFullState(ctx context.Context, tierlistID string) (model.FullState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpGetFullState); err != nil {
		return model.FullState{}, err
	}
	return m.fullState(tierlistID)
}

func (m *MemStore) fullState(tierlistID string) (model.FullState, error) {
	if _, ok := m.data.tierlists[tierlistID]; !ok {
		return model.FullState{}, ErrNotFound
	}
	full := model.FullState{Items: []model.Item{}, Tiers: []model.Tier{}}
	for _, it := range m.data.items {
		if it.TierlistID == tierlistID {
			full.Items = append(full.Items, it)
		}
	}
	for _, t := range m.data.tiers {
		if t.TierlistID == tierlistID {
			full.Tiers = append(full.Tiers, t.Clone())
		}
	}
	slices.SortFunc(full.Items, func(a, b model.Item) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	slices.SortFunc(full.Tiers, func(a, b model.Tier) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.ID, b.ID)
	})
	return full, nil
}

func (m *MemStore) AddItem(ctx context.Context, item model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpAddItem); err != nil {
		return err
	}
	if prev, ok := m.data.items[item.ID]; ok {
		if prev.TierlistID != item.TierlistID {
			return ErrDuplicate
		}
		item.CreatedAt = prev.CreatedAt
	}
	m.data.items[item.ID] = item
	return nil
}

func (m *MemStore) UpdateItem(ctx context.Context, id string, fields model.ItemFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpUpdateItem); err != nil {
		return err
	}
	it, ok := m.data.items[id]
	if !ok {
		return ErrNotFound
	}
	it = fields.Merge(it)
	it.UpdatedAt = m.now()
	m.data.items[id] = it
	return nil
}

func (m *MemStore) DeleteItem(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpDeleteItem); err != nil {
		return "", err
	}
	it, ok := m.data.items[id]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.data.items, id)

	if it.Image == "" {
		return "", nil
	}
	for _, other := range m.data.items {
		if other.Image == it.Image {
			return "", nil
		}
	}
	return it.Image, nil
}

func (m *MemStore) UpdateTierOrder(ctx context.Context, tierID string, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpUpdateTierOrder); err != nil {
		return err
	}
	t, ok := m.data.tiers[tierID]
	if !ok {
		return ErrNotFound
	}
	t.ItemOrder = append([]string{}, order...)
	m.data.tiers[tierID] = t
	return nil
}

func (m *MemStore) UpdateTiersMetadata(ctx context.Context, tierlistID string, metas []model.TierMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpUpdateTiersMetadata); err != nil {
		return err
	}

	for _, meta := range metas {
		if t, ok := m.data.tiers[meta.ID]; ok && t.TierlistID != tierlistID {
			return ErrDuplicate
		}
	}

	keep := make(map[string]bool, len(metas))
	for i, meta := range metas {
		t, ok := m.data.tiers[meta.ID]
		if !ok {
			t = model.Tier{ID: meta.ID, TierlistID: tierlistID, ItemOrder: []string{}}
		}
		t.Name = meta.Name
		t.Color = meta.Color
		t.Position = i
		m.data.tiers[meta.ID] = t
		keep[meta.ID] = true
	}
	maps.DeleteFunc(m.data.tiers, func(id string, t model.Tier) bool {
		return t.TierlistID == tierlistID && !keep[id]
	})
	return nil
}

func (m *MemStore) ImagePaths(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, it := range m.data.items {
		if it.Image != "" {
			seen[it.Image] = true
		}
	}
	paths := slices.Collect(maps.Keys(seen))
	slices.Sort(paths)
	return paths, nil
}

var _ Store = (*MemStore)(nil)
