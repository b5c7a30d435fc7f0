package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chainlab/internal/daemon/api"
	"chainlab/internal/logging"
)

// Run starts the daemon and serves the HTTP API until the context is
// cancelled, then shuts everything down in order: listener first, runs and
// chain instances after.
func Run(ctx context.Context, dataRoot, addr string) error {
	log := logging.Component("daemon")

	manager, err := NewManager(dataRoot)
	if err != nil {
		return err
	}
	defer manager.Close()

	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(manager.Store, manager.Cache, manager.Installer, manager.Tester, manager.Engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", addr, "data_root", dataRoot)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
