package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tierlist-backend/internal/hub"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/session"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

var errMissingTierlist = errors.New("missing tierlist id")

type Options struct {
	BaseContext    context.Context // open connections close once it is done
	OriginPatterns []string
	OutboxSize     int
	ReadTimeout    time.Duration // liveness window, enforced with pings
	WriteTimeout   time.Duration
	Log            *zap.Logger
}

type Handler struct {
	hub     *hub.Hub
	tracker *session.Tracker
	opts    Options
	log     *zap.Logger
}

// OriginPatterns turns configured origins ("http://localhost:5173", "*") into the host
// patterns the websocket origin check matches against.
func OriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		o = strings.TrimSuffix(o, "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func NewHandler(h *hub.Hub, tracker *session.Tracker, opts Options) *Handler {
	if opts.OutboxSize < 1 {
		opts.OutboxSize = 32
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: h, tracker: tracker, opts: opts, log: log.Named("ws")}
}

// conn is one websocket connection. The reader goroutine owns dispatch; Evict and the
// room's kick may run on other goroutines.
type conn struct {
	id       string
	clientID string
	ws       *websocket.Conn
	outbox   chan types.ServerMessage
	sess     *session.Session
	h        *Handler
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	room *room.Room
}

func (c *conn) ID() string { return c.id }

// Evict leaves the current room and closes the connection. It returns once the room has the
// Leave queued, so a replacement joining afterwards is counted after the departure.
func (c *conn) Evict() {
	c.log.Info("evicted by a newer connection")
	c.leaveRoom()
	c.cancel()
	go c.closeWith(websocket.StatusPolicyViolation, "replaced by a newer connection")
}

func (c *conn) kick() {
	c.log.Warn("connection too slow, closing")
	c.closeWith(websocket.StatusPolicyViolation, "too slow")
}

func (c *conn) closeWith(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.ws.Close(code, reason)
}

func (c *conn) currentRoom() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// joinedRoom is the room commands go to. The session decides whether the connection has
// joined; the room pointer can lag behind it during a switch.
func (c *conn) joinedRoom() (*room.Room, error) {
	if _, err := c.sess.Tierlist(); err != nil {
		return nil, err
	}
	if rm := c.currentRoom(); rm != nil {
		return rm, nil
	}
	return nil, session.ErrNotJoined
}

func (c *conn) leaveRoom() {
	c.mu.Lock()
	rm := c.room
	c.room = nil
	c.mu.Unlock()
	if rm != nil {
		_ = rm.Send(room.Leave{ConnID: c.id})
	}
	c.sess.Leave()
}

// enqueue never blocks the reader; a full outbox means the client is not keeping up.
func (c *conn) enqueue(msg types.ServerMessage) {
	select {
	case c.outbox <- msg:
	default:
		go c.kick()
	}
}

func (c *conn) sendError(requestID, event string, err error) {
	c.enqueue(types.ErrorMessage(requestID, event, err))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.log.Debug("accept failed", zap.Error(err))
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if h.opts.BaseContext != nil {
		stop := context.AfterFunc(h.opts.BaseContext, cancel)
		defer stop()
	}

	c := &conn{
		id:       uuid.NewString(),
		clientID: r.URL.Query().Get("client_id"),
		ws:       wsConn,
		outbox:   make(chan types.ServerMessage, h.opts.OutboxSize),
		sess:     session.New(),
		h:        h,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.log = h.log.With(zap.String("conn_id", c.id), zap.String("client_id", c.clientID))
	c.log.Debug("connected")

	h.tracker.Attach(c.clientID, c)
	defer func() {
		c.log.Debug("disconnected", zap.Stringer("phase", c.sess.Phase()))
		c.leaveRoom()
		if c.sess.InDirectory() {
			_ = h.hub.Unsubscribe(c.id)
		}
		c.sess.Close()
		h.tracker.Detach(c.clientID, c.id)
	}()

	go c.writeLoop()
	go c.pingLoop()
	c.readLoop()
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbox:
			ctx, cancel := context.WithTimeout(c.ctx, c.h.opts.WriteTimeout)
			err := wsjson.Write(ctx, c.ws, msg)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

// pingLoop closes connections whose client stops answering pings.
func (c *conn) pingLoop() {
	t := time.NewTicker(c.h.opts.ReadTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.h.opts.ReadTimeout/2)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if c.ctx.Err() == nil {
					c.log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			c.sendError("", "", types.ErrBadPayload)
			continue
		}
		c.dispatch(cm)
	}
}

func (c *conn) dispatch(cm types.ClientMessage) {
	switch cm.Type {
	case types.JoinRoom, types.JoinTierlist:
		c.join(cm)

	case types.RequestSync:
		rm, err := c.joinedRoom()
		if err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
			return
		}
		if err := rm.Send(room.Sync{ConnID: c.id, RequestID: cm.RequestID}); err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
		}

	case types.JoinHub:
		if err := c.h.hub.Subscribe(c.id, c.outbox, c.kick); err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
			return
		}
		c.sess.SetDirectory(true)

	case types.LeaveHub:
		if c.sess.SetDirectory(false) {
			_ = c.h.hub.Unsubscribe(c.id)
		}

	default:
		cmd, err := types.ToCommand(cm)
		if err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
			return
		}
		rm, err := c.joinedRoom()
		if err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
			return
		}
		if err := rm.Send(room.FromClient{ConnID: c.id, RequestID: cm.RequestID, Cmd: cmd}); err != nil {
			c.sendError(cm.RequestID, cm.Type, err)
		}
	}
}

func (c *conn) join(cm types.ClientMessage) {
	var p types.JoinPayload
	if len(cm.Payload) > 0 {
		if err := json.Unmarshal(cm.Payload, &p); err != nil {
			c.sendError(cm.RequestID, cm.Type, types.ErrBadPayload)
			return
		}
	}
	if p.TierlistID == "" {
		c.sendError(cm.RequestID, cm.Type, errMissingTierlist)
		return
	}

	if cur := c.currentRoom(); cur != nil && cur.ID() != p.TierlistID {
		c.leaveRoom()
	}

	j := room.Join{ConnID: c.id, RequestID: cm.RequestID, Outbox: c.outbox, Kick: c.kick}
	var rm *room.Room
	var err error
	// A room removed between lookup and join is closed; the retry gets a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		rm, err = c.h.hub.GetOrCreate(c.ctx, p.TierlistID)
		if err != nil {
			break
		}
		err = awaitJoin(c.ctx, rm, j)
		if !errors.Is(err, room.ErrClosed) {
			break
		}
	}
	if err != nil {
		// The room reports load failures to the client itself.
		if !errors.Is(err, room.ErrNotLoaded) {
			c.sendError(cm.RequestID, cm.Type, err)
		}
		return
	}

	c.mu.Lock()
	c.room = rm
	c.mu.Unlock()
	c.sess.Join(p.TierlistID)
}

// awaitJoin joins rm. A wait abandoned early may still see the room apply the join, so it is
// followed by a Leave.
func awaitJoin(ctx context.Context, rm *room.Room, j room.Join) error {
	err := rm.AwaitJoin(ctx, j)
	if err != nil && !errors.Is(err, room.ErrNotLoaded) && !errors.Is(err, room.ErrClosed) {
		_ = rm.Send(room.Leave{ConnID: j.ConnID})
	}
	return err
}
