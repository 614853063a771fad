package types

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/DoyleJ11/tierlist-backend/internal/engine"
	"github.com/DoyleJ11/tierlist-backend/internal/model"
)

// Client -> server event names.
const (
	JoinRoom     = "join-room"
	JoinTierlist = "join-tierlist" // older clients
	RequestSync  = "request-sync"
	JoinHub      = "join-hub"
	LeaveHub     = "leave-hub"
)

// Server -> client event names that do not come from an engine event.
const (
	InitialState = "initial-state"
	FullSync     = "full-sync"
	UsersCount   = "users-count"
	NewTierlist  = "new-tierlist"
	Error        = "error"
)

var ErrBadPayload = errors.New("malformed payload")

// ClientMessage is the envelope of every client event.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the envelope of every server event.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type UsersCountPayload struct {
	Count int `json:"count"`
}

type ItemMovedPayload struct {
	ItemID     string `json:"item_id"`
	FromTierID string `json:"from_tier_id"`
	ToTierID   string `json:"to_tier_id"`
	Position   int    `json:"position"`
}

type ItemDeletedPayload struct {
	ItemID string `json:"item_id"`
}

type TiersUpdatedPayload struct {
	Tiers []model.Tier `json:"tiers"`
}

type BulkImportedPayload struct {
	Items []model.Item `json:"items"`
}

func ErrorMessage(requestID, event string, err error) ServerMessage {
	return ServerMessage{
		Type:      Error,
		RequestID: requestID,
		Payload:   ErrorPayload{Event: event, Message: err.Error()},
	}
}

// EventMessage renders an engine event for the wire.
func EventMessage(ev engine.Event) ServerMessage {
	msg := ServerMessage{Type: string(ev.Type)}
	switch ev.Type {
	case engine.EvtItemAdded, engine.EvtItemUpdated:
		msg.Payload = ev.Item
	case engine.EvtItemMoved:
		msg.Payload = ItemMovedPayload{ItemID: ev.ItemID, FromTierID: ev.FromTierID, ToTierID: ev.ToTierID, Position: ev.Position}
	case engine.EvtItemDeleted:
		msg.Payload = ItemDeletedPayload{ItemID: ev.ItemID}
	case engine.EvtTiersUpdated:
		msg.Payload = TiersUpdatedPayload{Tiers: ev.Tiers}
	case engine.EvtBulkImported:
		msg.Payload = BulkImportedPayload{Items: ev.Items}
	}
	return msg
}

// JoinPayload accepts {"tierlist_id": ...}, {"tierlistId": ...} or a bare id string.
type JoinPayload struct {
	TierlistID string
}

func (p *JoinPayload) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		p.TierlistID = bare
		return nil
	}
	var obj struct {
		Snake string `json:"tierlist_id"`
		Camel string `json:"tierlistId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.TierlistID = firstNonEmpty(obj.Snake, obj.Camel)
	return nil
}

// ItemPayload is an item-add body; "title" is accepted for the name.
type ItemPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Image       string `json:"image"`
	Description string `json:"description"`
}

func (p ItemPayload) Item() model.Item {
	return model.Item{
		ID:          p.ID,
		Name:        firstNonEmpty(p.Name, p.Title),
		Image:       p.Image,
		Description: p.Description,
	}
}

type MovePayload struct {
	ItemID       string `json:"item_id"`
	ItemIDCamel  string `json:"itemId"`
	TargetTierID string `json:"target_tier_id"`
	TierIDCamel  string `json:"tierId"`
	Position     *int   `json:"position"`
}

// ItemRef accepts a bare id or an object carrying it.
type ItemRef struct {
	ItemID string
}

func (r *ItemRef) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.ItemID = bare
		return nil
	}
	var obj struct {
		Snake string `json:"item_id"`
		Camel string `json:"itemId"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ItemID = firstNonEmpty(obj.Snake, obj.Camel, obj.ID)
	return nil
}

type UpdatePayload struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Image       *string `json:"image"`
	Description *string `json:"description"`
}

// TiersPayload accepts an array of tiers or {"tiers": [...]}.
type TiersPayload struct {
	Tiers []model.TierMeta
}

func (p *TiersPayload) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.Tiers); err == nil {
		return nil
	}
	var obj struct {
		Tiers []model.TierMeta `json:"tiers"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Tiers = obj.Tiers
	return nil
}

// BulkPayload accepts an array of items or {"items": [...]}.
type BulkPayload struct {
	Items []ItemPayload
}

func (p *BulkPayload) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.Items); err == nil {
		return nil
	}
	var obj struct {
		Items []ItemPayload `json:"items"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Items = obj.Items
	return nil
}

// ToCommand decodes a mutating client event into an engine command.
func ToCommand(m ClientMessage) (engine.Command, error) {
	var cmd engine.Command
	switch engine.CommandType(m.Type) {
	case engine.CmdItemAdd:
		var p ItemPayload
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		return engine.Command{Type: engine.CmdItemAdd, Item: p.Item()}, nil

	case engine.CmdBulkImport:
		var p BulkPayload
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		items := make([]model.Item, len(p.Items))
		for i, it := range p.Items {
			items[i] = it.Item()
		}
		return engine.Command{Type: engine.CmdBulkImport, Items: items}, nil

	case engine.CmdItemMove:
		var p MovePayload
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		return engine.Command{
			Type:         engine.CmdItemMove,
			ItemID:       firstNonEmpty(p.ItemID, p.ItemIDCamel),
			TargetTierID: firstNonEmpty(p.TargetTierID, p.TierIDCamel),
			Position:     p.Position,
		}, nil

	case engine.CmdItemDelete:
		var p ItemRef
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		return engine.Command{Type: engine.CmdItemDelete, ItemID: p.ItemID}, nil

	case engine.CmdItemUpdate:
		var p UpdatePayload
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		return engine.Command{
			Type:   engine.CmdItemUpdate,
			ItemID: p.ID,
			Fields: model.ItemFields{Name: p.Name, Image: p.Image, Description: p.Description},
		}, nil

	case engine.CmdTiersUpdate:
		var p TiersPayload
		if err := decode(m.Payload, &p); err != nil {
			return cmd, err
		}
		return engine.Command{Type: engine.CmdTiersUpdate, Tiers: p.Tiers}, nil

	default:
		return cmd, engine.ErrUnsupportedCommand
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
