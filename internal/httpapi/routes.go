package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func SetupRoutes(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	d.Log = d.Log.Named("http")

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", Healthz(d))
	if d.WS != nil {
		r.Get("/ws", d.WS.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tierlists", ListTierlists(d))
		r.Post("/tierlists", CreateTierlist(d))
		r.Get("/tierlists/share/{code}", GetTierlistByShareCode(d))
		r.Route("/tierlists/{id}", func(r chi.Router) {
			r.Get("/", GetTierlist(d))
			r.Patch("/", UpdateTierlist(d))
			r.Delete("/", DeleteTierlist(d))
			r.Get("/full", FullState(d))
			r.Post("/reload", ReloadTierlist(d))
			r.Post("/share-code", RegenerateShareCode(d))
			r.Post("/duplicate", DuplicateTierlist(d))
		})
		r.Post("/images/cleanup", CleanupImages(d))
	})

	images := http.StripPrefix("/images/", http.FileServer(http.Dir(d.Assets.ImagesDir())))
	r.Handle("/images/*", images)
	return r
}

// requestLogger logs one line per request. The websocket endpoint is logged when the upgrade
// completes, i.e. when the connection closes.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
