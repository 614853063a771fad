package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tierlist-backend/internal/assets"
	"github.com/DoyleJ11/tierlist-backend/internal/httpapi"
	"github.com/DoyleJ11/tierlist-backend/internal/hub"
	"github.com/DoyleJ11/tierlist-backend/internal/model"
	"github.com/DoyleJ11/tierlist-backend/internal/room"
	"github.com/DoyleJ11/tierlist-backend/internal/session"
	"github.com/DoyleJ11/tierlist-backend/internal/ws"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(parent context.Context, opts *rootOptions) (err error) {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}

	palette, err := model.LoadPalette(cfg.TierPresetsFile)
	if err != nil {
		return err
	}

	dir := assets.Dir{Root: cfg.PublicDir}
	if err := os.MkdirAll(dir.ImagesDir(), 0o755); err != nil {
		return fmt.Errorf("creating images dir: %w", err)
	}

	h := hub.NewHub(context.Background(), room.Deps{Store: st, Assets: dir, Log: log})

	wsCtx, closeSockets := context.WithCancel(context.Background())
	defer closeSockets()
	wsHandler := ws.NewHandler(h, session.NewTracker(), ws.Options{
		BaseContext:    wsCtx,
		OriginPatterns: ws.OriginPatterns(cfg.AllowedOrigins),
		OutboxSize:     cfg.RoomOutboxSize,
		ReadTimeout:    cfg.WSReadTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
		Log:            log,
	})

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Store:          st,
			Hub:            h,
			Assets:         dir,
			Palette:        palette,
			WS:             wsHandler,
			AllowedOrigins: cfg.AllowedOrigins,
			AllowDelete:    cfg.AllowTierlistDelete,
			Log:            log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(closeSockets)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("db_driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutdownCtx), h.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
