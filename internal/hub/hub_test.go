package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/store"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

func newTestHub(t *testing.T) (*Hub, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	h := NewHub(context.Background(), room.Deps{Store: st})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h, st
}

func TestHub_GetOrCreate_SamePointer(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	rm1, err := h.GetOrCreate(ctx, "tl1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	rm2, err := h.GetOrCreate(ctx, "tl1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if rm1 == nil || rm1 != rm2 {
		t.Fatalf("expected same room pointer")
	}

	got, err := h.Get(ctx, "tl1")
	if err != nil || got != rm1 {
		t.Fatalf("Get returned %p, %v; want %p", got, err, rm1)
	}
	missing, err := h.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected no room for unknown id, got %p, %v", missing, err)
	}
}

func TestHub_CreateDoesNotLoad(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	// The tierlist does not exist; creating its room must still succeed.
	rm, err := h.GetOrCreate(ctx, "ghost")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	snap, err := rm.ReadState(ctx, false)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if snap.Load != room.NotLoaded {
		t.Fatalf("expected NotLoaded, got %s", snap.Load)
	}
}

func TestHub_RemoveShutsRoomDown(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	rm, _ := h.GetOrCreate(ctx, "tl1")
	if err := h.Remove("tl1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatalf("room did not shut down")
	}

	next, _ := h.GetOrCreate(ctx, "tl1")
	if next == rm {
		t.Fatalf("expected a fresh room after removal")
	}
}

func TestHub_NotifyNewTierlist_OnlySubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	sub := make(chan types.ServerMessage, 4)
	other := make(chan types.ServerMessage, 4)
	_ = h.Subscribe("c1", sub, nil)
	_ = h.Subscribe("c2", other, nil)
	_ = h.Unsubscribe("c2")

	tl := model.Tierlist{ID: "tl9", Name: "Snacks", ShareCode: "SNACKS12"}
	_ = h.NotifyNewTierlist(tl)

	select {
	case msg := <-sub:
		if msg.Type != types.NewTierlist {
			t.Fatalf("got %s, want %s", msg.Type, types.NewTierlist)
		}
		if got := msg.Payload.(model.Tierlist); got.ID != "tl9" {
			t.Fatalf("payload id = %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber heard nothing")
	}

	// Stats is answered after the notify, so anything for c2 would already be queued.
	st, err := h.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Subscribers != 1 {
		t.Fatalf("subscribers = %d, want 1", st.Subscribers)
	}
	select {
	case msg := <-other:
		t.Fatalf("unsubscribed connection got %+v", msg)
	default:
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	kicked := make(chan struct{})
	full := make(chan types.ServerMessage) // unbuffered: never ready
	_ = h.Subscribe("slow", full, func() { close(kicked) })
	_ = h.NotifyNewTierlist(model.Tierlist{ID: "x"})

	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber was not kicked")
	}
	st, _ := h.Stats(ctx)
	if st.Subscribers != 0 {
		t.Fatalf("subscribers = %d, want 0", st.Subscribers)
	}
}

func TestHub_Shutdown(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	rm, _ := h.GetOrCreate(ctx, "tl1")
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatalf("room still running after hub shutdown")
	}
	if _, err := h.GetOrCreate(ctx, "tl1"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Second shutdown is a no-op.
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
