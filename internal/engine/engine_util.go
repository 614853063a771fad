package engine

import (
	"cmp"
	"slices"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

func NewEmptyState(tierlistID string) State {
	return State{
		TierlistID:   tierlistID,
		Items:        []model.Item{},
		Tiers:        []model.Tier{},
		LastModified: time.Now(),
	}
}

// Repair describes an order entry Reconcile dropped because it broke tier membership.
type Repair struct {
	TierID string
	ItemID string
	Reason string
}

// Reconcile rebuilds a room state from one store read. It only reads: entries pointing at
// unknown items, or at items already placed by an earlier tier, are dropped from the
// returned state and reported, never written back.
func Reconcile(tierlistID string, full model.FullState) (State, []Repair) {
	s := NewEmptyState(tierlistID)
	s.Items = append(s.Items, full.Items...)

	known := make(map[string]bool, len(full.Items))
	for _, it := range full.Items {
		known[it.ID] = true
	}

	tiers := make([]model.Tier, len(full.Tiers))
	for i, t := range full.Tiers {
		tiers[i] = t.Clone()
	}
	slices.SortStableFunc(tiers, func(a, b model.Tier) int { return cmp.Compare(a.Position, b.Position) })

	var repairs []Repair
	placed := make(map[string]string)
	for i := range tiers {
		order := make([]string, 0, len(tiers[i].ItemOrder))
		for _, id := range tiers[i].ItemOrder {
			switch {
			case !known[id]:
				repairs = append(repairs, Repair{TierID: tiers[i].ID, ItemID: id, Reason: "unknown item"})
			case placed[id] != "":
				repairs = append(repairs, Repair{TierID: tiers[i].ID, ItemID: id, Reason: "already in tier " + placed[id]})
			default:
				placed[id] = tiers[i].ID
				order = append(order, id)
			}
		}
		tiers[i].ItemOrder = order
	}
	s.Tiers = tiers
	return s, repairs
}

// Assignments derives the item -> tier map from the tier orders.
func (s State) Assignments() map[string]string {
	out := make(map[string]string)
	for _, t := range s.Tiers {
		for _, id := range t.ItemOrder {
			out[id] = t.ID
		}
	}
	return out
}

// Unranked lists the ids of items in no tier, alphabetical by name.
func (s State) Unranked() []string {
	assigned := s.Assignments()
	var items []model.Item
	for _, it := range s.Items {
		if _, ok := assigned[it.ID]; !ok {
			items = append(items, it)
		}
	}

	col := collate.New(language.Und, collate.IgnoreCase)
	slices.SortStableFunc(items, func(a, b model.Item) int {
		if c := col.CompareString(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// View is the wire representation of a room sent on join and on sync.
type View struct {
	TierlistID      string              `json:"tierlist_id"`
	Items           []model.Item        `json:"items"`
	Tiers           []model.Tier        `json:"tiers"`
	TierAssignments map[string]string   `json:"tier_assignments"`
	TierOrders      map[string][]string `json:"tier_orders"`
	Unranked        []string            `json:"unranked"`
	ConnectedUsers  int                 `json:"connected_users"`
	LastModified    int64               `json:"last_modified"`
}

func (s State) View() View {
	c := s.clone()
	orders := make(map[string][]string, len(c.Tiers))
	for _, t := range c.Tiers {
		orders[t.ID] = slices.Clone(t.ItemOrder)
	}
	items := c.Items
	if items == nil {
		items = []model.Item{}
	}
	return View{
		TierlistID:      s.TierlistID,
		Items:           items,
		Tiers:           c.Tiers,
		TierAssignments: s.Assignments(),
		TierOrders:      orders,
		Unranked:        s.Unranked(),
		ConnectedUsers:  s.ConnectedUsers,
		LastModified:    s.LastModified.UnixMilli(),
	}
}
