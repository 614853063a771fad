package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tierlist-backend/internal/assets"
	"github.com/DoyleJ11/tierlist-backend/internal/hub"
	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/store"
)

const shareCodeLen = 8

const maxCodeAttempts = 5

// Deps is what the HTTP surface needs. Everything is injected by the server command.
type Deps struct {
	Store          store.Store
	Hub            *hub.Hub
	Assets         assets.Dir
	Palette        model.Palette
	WS             http.Handler
	AllowedOrigins []string
	AllowDelete    bool
	Log            *zap.Logger
}

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, shareCodeLen)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// withFreshCode runs write with new share codes until one is not taken.
func withFreshCode(log *zap.Logger, write func(code string) error) (string, error) {
	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var code string
		code, err = GenerateCode()
		if err != nil {
			return "", err
		}
		err = write(code)
		if !errors.Is(err, store.ErrDuplicate) {
			return code, err
		}
		log.Info("collision on share code, regenerating")
	}
	return "", err
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func ListTierlists(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Store.ListTierlists(r.Context())
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, list)
	}
}

func CreateTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			respondError(w, http.StatusBadRequest, "name is required")
			return
		}

		ctx := r.Context()
		id := uuid.NewString()
		tiers := d.Palette.Instantiate(id, uuid.NewString)
		_, err := withFreshCode(d.Log, func(code string) error {
			tl := model.Tierlist{ID: id, Name: req.Name, Description: strings.TrimSpace(req.Description), ShareCode: code}
			return d.Store.CreateTierlist(ctx, tl, tiers)
		})
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}

		created, err := d.Store.GetTierlist(ctx, id)
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		if err := d.Hub.NotifyNewTierlist(created); err != nil {
			d.Log.Warn("announcing new tierlist", zap.String("tierlist_id", id), zap.Error(err))
		}
		d.Log.Info("tierlist created", zap.String("tierlist_id", id), zap.String("share_code", created.ShareCode))
		respondJSON(w, http.StatusCreated, created)
	}
}

func GetTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tl, err := d.Store.GetTierlist(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, tl)
	}
}

func GetTierlistByShareCode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(chi.URLParam(r, "code"))
		tl, err := d.Store.GetTierlistByShareCode(r.Context(), code)
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, tl)
	}
}

func UpdateTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd model.TierlistUpdate
		if err := decodeJSON(r, &upd); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				respondError(w, http.StatusBadRequest, "name cannot be empty")
				return
			}
			upd.Name = &name
		}

		tl, err := d.Store.UpdateTierlist(r.Context(), chi.URLParam(r, "id"), upd)
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, tl)
	}
}

func RegenerateShareCode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		code, err := withFreshCode(d.Log, func(code string) error {
			return d.Store.UpdateShareCode(ctx, id, code)
		})
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"share_code": code})
	}
}

func DuplicateTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		src, err := d.Store.GetTierlist(ctx, chi.URLParam(r, "id"))
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}

		var req createRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = src.Name + " (copy)"
		}

		var dup model.Tierlist
		_, err = withFreshCode(d.Log, func(code string) error {
			var err error
			dup, err = d.Store.DuplicateTierlist(ctx, src.ID, model.Tierlist{
				ID:          uuid.NewString(),
				Name:        name,
				Description: src.Description,
				ShareCode:   code,
			})
			return err
		})
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		if err := d.Hub.NotifyNewTierlist(dup); err != nil {
			d.Log.Warn("announcing duplicated tierlist", zap.String("tierlist_id", dup.ID), zap.Error(err))
		}
		respondJSON(w, http.StatusCreated, dup)
	}
}

func DeleteTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.AllowDelete {
			respondError(w, http.StatusForbidden, "tierlist deletion is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		released, err := d.Store.DeleteTierlist(r.Context(), id)
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		if err := d.Hub.Remove(id); err != nil {
			d.Log.Warn("removing room of deleted tierlist", zap.String("tierlist_id", id), zap.Error(err))
		}
		for _, img := range released {
			if err := d.Assets.Remove(img); err != nil {
				d.Log.Warn("removing image", zap.String("path", img), zap.Error(err))
			}
		}
		d.Log.Info("tierlist deleted", zap.String("tierlist_id", id), zap.Int("images_removed", len(released)))
		w.WriteHeader(http.StatusNoContent)
	}
}

// FullState returns the room's view of a tierlist, loading the room if nobody has joined yet.
func FullState(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if _, err := d.Store.GetTierlist(ctx, id); err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		rm, err := d.Hub.GetOrCreate(ctx, id)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		snap, err := rm.ReadState(ctx, true)
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, snap.View)
	}
}

// ReloadTierlist re-reads a live room from the store and pushes it to its members.
func ReloadTierlist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if _, err := d.Store.GetTierlist(ctx, id); err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		rm, err := d.Hub.Get(ctx, id)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if rm == nil {
			// Nobody is connected; the next join reads the store anyway.
			respondJSON(w, http.StatusOK, map[string]bool{"reloaded": false})
			return
		}
		if err := rm.ForceReload(ctx); err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
	}
}

func CleanupImages(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		used, err := d.Store.ImagePaths(r.Context())
		if err != nil {
			respondStoreError(w, d.Log, err)
			return
		}
		res, err := d.Assets.CleanupOrphans(used)
		if err != nil {
			d.Log.Error("cleaning up images", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "image cleanup failed")
			return
		}
		d.Log.Info("orphaned images removed", zap.Int("deleted", len(res.Deleted)))
		respondJSON(w, http.StatusOK, res)
	}
}

func Healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			d.Log.Warn("database ping failed", zap.Error(err))
			respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		st, err := d.Hub.Stats(r.Context())
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": st.Rooms, "subscribers": st.Subscribers})
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "tierlist not found")
	case errors.Is(err, store.ErrDuplicate):
		respondError(w, http.StatusConflict, "share code already taken")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		log.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
