package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

var ErrClosed = errors.New("hub is shut down")

type HubMsg interface{ isHubMsg() }

// GetOrCreateRoom returns the room of a tierlist, creating an unloaded one if needed.
// It never touches the store.
type GetOrCreateRoom struct {
	TierlistID string
	Reply      chan *room.Room
}

type GetRoom struct {
	TierlistID string
	Reply      chan *room.Room // nil when no room exists
}

// RemoveRoom shuts a room down and forgets it.
type RemoveRoom struct {
	TierlistID string
}

// Subscribe adds a connection to the directory group that hears about new tierlists.
type Subscribe struct {
	ConnID string
	Outbox chan<- types.ServerMessage
	Kick   func()
}

type Unsubscribe struct {
	ConnID string
}

type NotifyNewTierlist struct {
	Tierlist model.Tierlist
}

type GetStats struct {
	Reply chan Stats
}

type ShutdownHub struct{}

func (GetOrCreateRoom) isHubMsg()   {}
func (GetRoom) isHubMsg()           {}
func (RemoveRoom) isHubMsg()        {}
func (Subscribe) isHubMsg()         {}
func (Unsubscribe) isHubMsg()       {}
func (NotifyNewTierlist) isHubMsg() {}
func (GetStats) isHubMsg()          {}
func (ShutdownHub) isHubMsg()       {}

type Stats struct {
	Rooms       int `json:"rooms"`
	Subscribers int `json:"subscribers"`
}

type subscriber struct {
	outbox chan<- types.ServerMessage
	kick   func()
}

// Hub is the process-wide room registry. It is created once and passed to whoever needs it.
type Hub struct {
	inbox       chan HubMsg
	rooms       map[string]*room.Room
	subscribers map[string]subscriber
	deps        room.Deps
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewHub(parent context.Context, deps room.Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	h := &Hub{
		inbox:       make(chan HubMsg, 64),
		rooms:       make(map[string]*room.Room),
		subscribers: make(map[string]subscriber),
		deps:        deps,
		log:         deps.Log.Named("hub"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) send(m HubMsg) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

func (h *Hub) GetOrCreate(ctx context.Context, tierlistID string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.send(GetOrCreateRoom{TierlistID: tierlistID, Reply: reply}); err != nil {
		return nil, err
	}
	return h.awaitRoom(ctx, reply)
}

// Get returns the existing room, or nil.
func (h *Hub) Get(ctx context.Context, tierlistID string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.send(GetRoom{TierlistID: tierlistID, Reply: reply}); err != nil {
		return nil, err
	}
	return h.awaitRoom(ctx, reply)
}

func (h *Hub) awaitRoom(ctx context.Context, reply <-chan *room.Room) (*room.Room, error) {
	select {
	case rm := <-reply:
		return rm, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) Remove(tierlistID string) error {
	return h.send(RemoveRoom{TierlistID: tierlistID})
}

func (h *Hub) Subscribe(connID string, outbox chan<- types.ServerMessage, kick func()) error {
	return h.send(Subscribe{ConnID: connID, Outbox: outbox, Kick: kick})
}

func (h *Hub) Unsubscribe(connID string) error {
	return h.send(Unsubscribe{ConnID: connID})
}

// NotifyNewTierlist announces tl to every directory subscriber.
func (h *Hub) NotifyNewTierlist(tl model.Tierlist) error {
	return h.send(NotifyNewTierlist{Tierlist: tl})
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.send(GetStats{Reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-h.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Shutdown stops every room and the hub, and waits for the hub loop to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	if err := h.send(ShutdownHub{}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetOrCreateRoom:
				rm := h.rooms[msg.TierlistID]
				if rm == nil {
					rm = room.NewRoom(h.ctx, msg.TierlistID, h.deps)
					h.rooms[msg.TierlistID] = rm
					h.log.Debug("room created", zap.String("tierlist_id", msg.TierlistID))
				}
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- h.rooms[msg.TierlistID] // May be nil

			case RemoveRoom:
				if rm := h.rooms[msg.TierlistID]; rm != nil {
					_ = rm.Send(room.Shutdown{})
					delete(h.rooms, msg.TierlistID)
				}

			case Subscribe:
				h.subscribers[msg.ConnID] = subscriber{outbox: msg.Outbox, kick: msg.Kick}

			case Unsubscribe:
				delete(h.subscribers, msg.ConnID)

			case NotifyNewTierlist:
				h.broadcast(types.ServerMessage{Type: types.NewTierlist, Payload: msg.Tierlist})

			case GetStats:
				msg.Reply <- Stats{Rooms: len(h.rooms), Subscribers: len(h.subscribers)}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) broadcast(msg types.ServerMessage) {
	for id, sub := range h.subscribers {
		select {
		case sub.outbox <- msg:
		default:
			h.log.Warn("dropping slow directory subscriber", zap.String("conn_id", id))
			delete(h.subscribers, id)
			if sub.kick != nil {
				go sub.kick()
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		_ = rm.Send(room.Shutdown{})
	}
	clear(h.rooms)
	clear(h.subscribers)
	h.cancel()
}
