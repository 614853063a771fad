package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tierlist-backend/internal/assets"
	"github.com/DoyleJ11/tierlist-backend/internal/engine"
	"github.com/DoyleJ11/tierlist-backend/internal/hub"
	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/store"
	"github.com/DoyleJ11/tierlist-backend/internal/types"
)

type fixture struct {
	handler http.Handler
	store   *store.MemStore
	hub     *hub.Hub
	public  string
}

func newFixture(t *testing.T, allowDelete bool) *fixture {
	t.Helper()
	st := store.NewMemStore()
	public := t.TempDir()
	dir := assets.Dir{Root: public}
	h := hub.NewHub(context.Background(), room.Deps{Store: st, Assets: dir})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	return &fixture{
		handler: SetupRoutes(Deps{
			Store:       st,
			Hub:         h,
			Assets:      dir,
			Palette:     model.DefaultPalette(),
			AllowDelete: allowDelete,
		}),
		store:  st,
		hub:    h,
		public: public,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T, name string) model.Tierlist {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/tierlists", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tl model.Tierlist
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tl))
	return tl
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 8)
		for _, c := range code {
			assert.True(t, (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), "unexpected char %q", c)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestCreateTierlist(t *testing.T) {
	f := newFixture(t, false)

	sub := make(chan types.ServerMessage, 1)
	require.NoError(t, f.hub.Subscribe("watcher", sub, nil))

	tl := f.create(t, "  Games ")
	assert.Equal(t, "Games", tl.Name)
	assert.Len(t, tl.ShareCode, 8)

	full, err := f.store.GetFullState(context.Background(), tl.ID)
	require.NoError(t, err)
	require.Len(t, full.Tiers, 5)
	assert.Equal(t, "S", full.Tiers[0].Name)

	select {
	case msg := <-sub:
		assert.Equal(t, types.NewTierlist, msg.Type)
		assert.Equal(t, tl.ID, msg.Payload.(model.Tierlist).ID)
	case <-time.After(time.Second):
		t.Fatal("directory was not told about the new tierlist")
	}
}

func TestCreateTierlist_Validation(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"blank name", `{"name":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/tierlists", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTierlistLifecycle(t *testing.T) {
	f := newFixture(t, true)
	tl := f.create(t, "Games")

	rec := f.do(t, http.MethodGet, "/api/tierlists/"+tl.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/tierlists/share/"+strings.ToLower(tl.ShareCode), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/tierlists/"+tl.ID, `{"description":"favourites"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated model.Tierlist
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Games", updated.Name)
	assert.Equal(t, "favourites", updated.Description)

	rec = f.do(t, http.MethodPatch, "/api/tierlists/"+tl.ID, `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tierlists/"+tl.ID+"/share-code", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var code map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &code))
	assert.NotEqual(t, tl.ShareCode, code["share_code"])

	rec = f.do(t, http.MethodGet, "/api/tierlists", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Tierlist
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodDelete, "/api/tierlists/"+tl.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/tierlists/"+tl.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteDisabled(t *testing.T) {
	f := newFixture(t, false)
	tl := f.create(t, "Games")

	rec := f.do(t, http.MethodDelete, "/api/tierlists/"+tl.ID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, err := f.store.GetTierlist(context.Background(), tl.ID)
	assert.NoError(t, err)
}

func TestDeleteRemovesLiveRoom(t *testing.T) {
	f := newFixture(t, true)
	tl := f.create(t, "Games")
	ctx := context.Background()

	rm, err := f.hub.GetOrCreate(ctx, tl.ID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/tierlists/"+tl.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatal("room of deleted tierlist still running")
	}
}

func TestDeleteRemovesUnsharedImages(t *testing.T) {
	f := newFixture(t, true)
	gone := f.create(t, "Games")
	other := f.create(t, "Snacks")
	ctx := context.Background()

	images := filepath.Join(f.public, "images")
	require.NoError(t, os.MkdirAll(images, 0o755))
	for _, name := range []string{"own.png", "shared.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(images, name), []byte("png"), 0o644))
	}
	now := time.Now().UTC()
	require.NoError(t, f.store.AddItem(ctx, model.Item{ID: "a", TierlistID: gone.ID, Name: "A", Image: "images/own.png", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, f.store.AddItem(ctx, model.Item{ID: "b", TierlistID: gone.ID, Name: "B", Image: "images/shared.png", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, f.store.AddItem(ctx, model.Item{ID: "c", TierlistID: other.ID, Name: "C", Image: "images/shared.png", CreatedAt: now, UpdatedAt: now}))

	rec := f.do(t, http.MethodDelete, "/api/tierlists/"+gone.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.NoFileExists(t, filepath.Join(images, "own.png"))
	assert.FileExists(t, filepath.Join(images, "shared.png"))
}

func TestDuplicate(t *testing.T) {
	f := newFixture(t, false)
	tl := f.create(t, "Games")

	rec := f.do(t, http.MethodPost, "/api/tierlists/"+tl.ID+"/duplicate", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var dup model.Tierlist
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, "Games (copy)", dup.Name)
	assert.NotEqual(t, tl.ID, dup.ID)
	assert.NotEqual(t, tl.ShareCode, dup.ShareCode)

	rec = f.do(t, http.MethodPost, "/api/tierlists/"+tl.ID+"/duplicate", `{"name":"Mine"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, "Mine", dup.Name)

	rec = f.do(t, http.MethodPost, "/api/tierlists/missing/duplicate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFullStateAndReload(t *testing.T) {
	f := newFixture(t, false)
	tl := f.create(t, "Games")
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/tierlists/"+tl.ID+"/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reloaded":false}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/tierlists/"+tl.ID+"/full", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view engine.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, tl.ID, view.TierlistID)
	assert.Len(t, view.Tiers, 5)
	assert.Empty(t, view.Items)

	// An item written behind the room's back shows up after a reload.
	now := time.Now().UTC()
	require.NoError(t, f.store.AddItem(ctx, model.Item{ID: "mario", TierlistID: tl.ID, Name: "Mario", CreatedAt: now, UpdatedAt: now}))

	rec = f.do(t, http.MethodPost, "/api/tierlists/"+tl.ID+"/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reloaded":true}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/tierlists/"+tl.ID+"/full", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, []string{"mario"}, view.Unranked)

	rec = f.do(t, http.MethodGet, "/api/tierlists/missing/full", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupImagesAndServe(t *testing.T) {
	f := newFixture(t, false)
	tl := f.create(t, "Games")
	ctx := context.Background()

	images := filepath.Join(f.public, "images")
	require.NoError(t, os.MkdirAll(images, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(images, "kept.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(images, "orphan.png"), []byte("png"), 0o644))
	now := time.Now().UTC()
	require.NoError(t, f.store.AddItem(ctx, model.Item{ID: "a", TierlistID: tl.ID, Name: "A", Image: "images/kept.png", CreatedAt: now, UpdatedAt: now}))

	rec := f.do(t, http.MethodGet, "/images/orphan.png", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/images/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res assets.CleanupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{"images/orphan.png"}, res.Deleted)

	_, err := os.Stat(filepath.Join(images, "kept.png"))
	assert.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/images/orphan.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

type unreachableStore struct {
	*store.MemStore
}

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz_DatabaseDown(t *testing.T) {
	st := unreachableStore{store.NewMemStore()}
	h := hub.NewHub(context.Background(), room.Deps{Store: st})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	handler := SetupRoutes(Deps{Store: st, Hub: h, Palette: model.DefaultPalette()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unavailable")
}
