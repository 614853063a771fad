package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tierlist-backend/internal/engine"
	"github.com/DoyleJ11/tierlist-backend/internal/store"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

var ErrNotLoaded = errors.New("room state could not be loaded")
var ErrClosed = errors.New("room is shut down")

const storeTimeout = 10 * time.Second

type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "not-loaded"
	}
}

type Msg interface{ isRoomMsg() }

// Join adds a connection to the room. The room loads itself first if needed; on failure the
// connection gets an error message and is not added. Reply, when set, receives the outcome.
type Join struct {
	ConnID    string
	RequestID string
	Outbox    chan<- types.ServerMessage
	Kick      func() // called when the room drops the connection for falling behind
	Reply     chan error
}

type Leave struct{ ConnID string }

type FromClient struct {
	ConnID    string
	RequestID string
	Cmd       engine.Command
}

// Sync sends the current state to one member.
type Sync struct {
	ConnID    string
	RequestID string
}

// Reload re-reads the store and pushes the result to every member.
type Reload struct {
	Reply chan error
}

// GetState reflects the room without data races. With Load set, an unloaded room loads first.
type GetState struct {
	Load  bool
	Reply chan Snapshot
}

type Shutdown struct{}

func (Join) isRoomMsg()       {}
func (Leave) isRoomMsg()      {}
func (FromClient) isRoomMsg() {}
func (Sync) isRoomMsg()       {}
func (Reload) isRoomMsg()     {}
func (GetState) isRoomMsg()   {}
func (Shutdown) isRoomMsg()   {}

type Snapshot struct {
	Load    LoadState
	Members int
	View    engine.View
	Err     error
}

// AssetRemover deletes an image file once no item references it.
type AssetRemover interface {
	Remove(rel string) error
}

type Deps struct {
	Store  store.Store
	Assets AssetRemover
	Log    *zap.Logger
}

type member struct {
	outbox chan<- types.ServerMessage
	kick   func()
}

// Room owns one tierlist's in-memory state. Every message is handled by a single goroutine,
// so each command's compute, persist, commit and broadcast steps never interleave with another's.
type Room struct {
	id      string
	inbox   chan Msg
	state   engine.State
	load    LoadState
	members map[string]member
	store   store.Store
	assets  AssetRemover
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRoom(parent context.Context, tierlistID string, deps Deps) *Room {
	ctx, cancel := context.WithCancel(parent)
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := &Room{
		id:      tierlistID,
		inbox:   make(chan Msg, 64),
		state:   engine.NewEmptyState(tierlistID),
		load:    NotLoaded,
		members: make(map[string]member),
		store:   deps.Store,
		assets:  deps.Assets,
		log:     log.With(zap.String("tierlist_id", tierlistID)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Inbox exposes the inbox so the transport and tests can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Send delivers m unless the room has shut down.
func (r *Room) Send(m Msg) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// AwaitJoin sends j and waits for the room to accept or refuse it.
func (r *Room) AwaitJoin(ctx context.Context, j Join) error {
	j.Reply = make(chan error, 1)
	if err := r.Send(j); err != nil {
		return err
	}
	return await(ctx, r.done, j.Reply)
}

// ForceReload re-reads the store and pushes a full sync to every member.
func (r *Room) ForceReload(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := r.Send(Reload{Reply: reply}); err != nil {
		return err
	}
	return await(ctx, r.done, reply)
}

// ReadState returns a snapshot of the room, loading it first when load is set.
func (r *Room) ReadState(ctx context.Context, load bool) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := r.Send(GetState{Load: load, Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, snap.Err
	case <-r.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func await(ctx context.Context, done <-chan struct{}, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				err := r.join(msg)
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case Leave:
				if _, ok := r.members[msg.ConnID]; ok {
					delete(r.members, msg.ConnID)
					r.publishCount()
				}

			case FromClient:
				r.handleCommand(msg)

			case Sync:
				r.sync(msg)

			case Reload:
				err := r.reload()
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case GetState:
				snap := Snapshot{}
				if msg.Load {
					snap.Err = r.ensureLoaded()
				}
				snap.Load = r.load
				snap.Members = len(r.members)
				snap.View = r.state.View()
				msg.Reply <- snap

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) join(msg Join) error {
	if err := r.ensureLoaded(); err != nil {
		r.log.Error("join: loading room", zap.String("conn_id", msg.ConnID), zap.Error(err))
		trySend(msg.Outbox, types.ErrorMessage(msg.RequestID, types.JoinRoom, err))
		return err
	}

	r.members[msg.ConnID] = member{outbox: msg.Outbox, kick: msg.Kick}
	r.state.ConnectedUsers = len(r.members)
	r.sendTo(msg.ConnID, types.ServerMessage{Type: types.InitialState, RequestID: msg.RequestID, Payload: r.state.View()})
	r.publishCount()
	return nil
}

func (r *Room) handleCommand(msg FromClient) {
	event := string(msg.Cmd.Type)
	if _, ok := r.members[msg.ConnID]; !ok {
		r.log.Warn("command from a connection outside the room", zap.String("conn_id", msg.ConnID), zap.String("event", event))
		return
	}
	if err := r.ensureLoaded(); err != nil {
		r.sendTo(msg.ConnID, types.ErrorMessage(msg.RequestID, event, err))
		return
	}

	res, err := engine.Apply(r.state, msg.Cmd)
	if err != nil {
		r.log.Debug("command rejected", zap.String("event", event), zap.Error(err))
		r.sendTo(msg.ConnID, types.ErrorMessage(msg.RequestID, event, err))
		return
	}
	if res.Noop() {
		return
	}

	released, err := r.persist(res.Effects)
	if err != nil {
		r.log.Error("persisting command", zap.String("event", event), zap.Error(err))
		r.sendTo(msg.ConnID, types.ErrorMessage(msg.RequestID, event, fmt.Errorf("could not save change: %w", err)))
		return
	}

	res.State.ConnectedUsers = len(r.members)
	r.state = res.State

	for _, ev := range res.Events {
		r.broadcast(types.EventMessage(ev), msg.ConnID, msg.RequestID)
	}
	r.release(released)
}

// persist runs every effect in one store transaction and returns the image paths the store
// released. Nothing is returned unless the transaction committed.
func (r *Room) persist(effects []engine.Effect) ([]string, error) {
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	var released []string
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		released = released[:0]
		for _, eff := range effects {
			var err error
			switch e := eff.(type) {
			case engine.AddItem:
				err = tx.AddItem(ctx, e.Item)
			case engine.UpdateItem:
				err = tx.UpdateItem(ctx, e.ItemID, e.Fields)
			case engine.DeleteItem:
				var path string
				path, err = tx.DeleteItem(ctx, e.ItemID)
				if path != "" {
					released = append(released, path)
				}
			case engine.SaveTierOrder:
				err = tx.UpdateTierOrder(ctx, e.TierID, e.Order)
			case engine.SaveTiers:
				err = tx.UpdateTiersMetadata(ctx, e.TierlistID, e.Tiers)
			default:
				err = fmt.Errorf("unknown effect %T", eff)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (r *Room) release(paths []string) {
	if r.assets == nil {
		return
	}
	for _, p := range paths {
		if err := r.assets.Remove(p); err != nil {
			r.log.Warn("removing released image", zap.String("image", p), zap.Error(err))
		}
	}
}

func (r *Room) sync(msg Sync) {
	if _, ok := r.members[msg.ConnID]; !ok {
		return
	}
	if err := r.ensureLoaded(); err != nil {
		r.sendTo(msg.ConnID, types.ErrorMessage(msg.RequestID, types.RequestSync, err))
		return
	}
	r.sendTo(msg.ConnID, types.ServerMessage{Type: types.FullSync, RequestID: msg.RequestID, Payload: r.state.View()})
}

// ensureLoaded reconciles the room from the store unless it already is. A failed read leaves
// the room NotLoaded so the next message retries.
func (r *Room) ensureLoaded() error {
	if r.load == Loaded {
		return nil
	}
	r.load = Loading
	state, err := r.read()
	if err != nil {
		r.load = NotLoaded
		return err
	}
	r.state = state
	r.load = Loaded
	return nil
}

// reload swaps in a fresh read; the current state stays if the read fails.
func (r *Room) reload() error {
	state, err := r.read()
	if err != nil {
		r.log.Error("reloading room", zap.Error(err))
		return err
	}
	r.state = state
	r.load = Loaded
	r.broadcast(types.ServerMessage{Type: types.FullSync, Payload: r.state.View()}, "", "")
	return nil
}

func (r *Room) read() (engine.State, error) {
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	full, err := r.store.GetFullState(ctx, r.id)
	if err != nil {
		return engine.State{}, fmt.Errorf("%w: %w", ErrNotLoaded, err)
	}
	state, repairs := engine.Reconcile(r.id, full)
	for _, rep := range repairs {
		r.log.Warn("dropped inconsistent tier entry",
			zap.String("tier_id", rep.TierID),
			zap.String("item_id", rep.ItemID),
			zap.String("reason", rep.Reason))
	}
	state.ConnectedUsers = len(r.members)
	return state, nil
}

// publishCount recounts the membership and tells everyone. Members dropped while sending
// trigger another round so the count stays true.
func (r *Room) publishCount() {
	for {
		r.state.ConnectedUsers = len(r.members)
		msg := types.ServerMessage{Type: types.UsersCount, Payload: types.UsersCountPayload{Count: len(r.members)}}
		if !r.broadcast(msg, "", "") {
			return
		}
	}
}

// broadcast sends msg to every member; the sender's copy carries its request id.
// It reports whether a slow member was dropped.
func (r *Room) broadcast(msg types.ServerMessage, senderID, requestID string) bool {
	dropped := false
	for id := range r.members {
		m := msg
		if id == senderID {
			m.RequestID = requestID
		}
		if !r.deliver(id, m) {
			dropped = true
		}
	}
	return dropped
}

func (r *Room) sendTo(connID string, msg types.ServerMessage) {
	if !r.deliver(connID, msg) {
		r.publishCount()
	}
}

// deliver never blocks: a member whose outbox is full is dropped and kicked.
func (r *Room) deliver(connID string, msg types.ServerMessage) bool {
	m, ok := r.members[connID]
	if !ok {
		return true
	}
	select {
	case m.outbox <- msg:
		return true
	default:
		r.log.Warn("dropping slow connection", zap.String("conn_id", connID))
		delete(r.members, connID)
		if m.kick != nil {
			go m.kick()
		}
		return false
	}
}

func (r *Room) shutdown() {
	clear(r.members)
	r.cancel()
}

func trySend(ch chan<- types.ServerMessage, msg types.ServerMessage) {
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
