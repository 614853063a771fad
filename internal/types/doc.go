// Package types is the websocket wire protocol. Every frame is one JSON envelope:
//
//	{"type": "...", "request_id": "...", "payload": ...}
//
// request_id is optional on client frames and is echoed on the reply or error meant for the
// sender; other members get the same broadcast without it.
//
// Client -> Server
//
//	join-room (alias join-tierlist):
//	  tierlist_id: string            // or a bare string
//	request-sync: {}
//	join-hub / leave-hub: {}
//	item-add:
//	  id?: string, name: string (or title), image?: string, description?: string
//	bulk-import:
//	  [item-add payload] | {items: [...]}
//	item-move:
//	  item_id: string, target_tier_id: string ("unranked" to unrank), position?: number
//	item-delete:
//	  item_id | itemId | id | bare string
//	item-update:
//	  id: string, name?: string, image?: string, description?: string
//	tiers-update:
//	  [{id, name, color}] | {tiers: [...]}
//
// Server -> Client
//
//	initial-state / full-sync:
//	  tierlist_id, items, tiers, tier_assignments, tier_orders, unranked,
//	  connected_users, last_modified (unix ms)
//	users-count:   {count}
//	item-added / item-updated: item
//	item-moved:    {item_id, from_tier_id, to_tier_id, position}
//	item-deleted:  {item_id}
//	tiers-updated: {tiers}
//	bulk-imported: {items}             // only the items actually added
//	new-tierlist:  tierlist            // directory subscribers only
//	error:         {event, message}
package types
