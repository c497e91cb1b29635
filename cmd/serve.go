package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/api"
)

var (
	servePort    int
	serveDevMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API on localhost. Workflow runs are started with
POST /api/run; mutating operations wait in /api/approvals until resolved, and
progress is streamed on /api/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{approval: "http", live: true, lock: true})
		if err != nil {
			return err
		}
		defer a.close()

		port := servePort
		if port == 0 {
			port = a.cfg.Server.Port
		}
		srv := a.serve(ctx, port)
		fmt.Fprintf(os.Stderr, "twinshift API: http://localhost:%d/api/state\n", port)

		select {
		case err := <-srv.errc:
			return err
		case <-ctx.Done():
		}
		return srv.shutdown()
	},
}

type runningServer struct {
	srv    *api.Server
	logger *slog.Logger
	errc   chan error
	stop   context.CancelFunc
}

// serve starts the hub and the API server in the background.
func (a *app) serve(ctx context.Context, port int) *runningServer {
	hubCtx, stop := context.WithCancel(ctx)
	go a.hub.Run(hubCtx)

	srv := api.New(a.engine, a.logger, port,
		api.WithHub(a.hub),
		api.WithQueue(a.queue),
		api.WithAudit(a.audit),
		api.WithDevMode(serveDevMode),
		api.WithBaseContext(ctx),
	)
	rs := &runningServer{srv: srv, logger: a.logger, errc: make(chan error, 1), stop: stop}
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.errc <- err
		}
	}()
	return rs
}

func (rs *runningServer) shutdown() error {
	defer rs.stop()
	rs.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rs.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port for the API server (default server.port)")
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "enable CORS for development mode")
	rootCmd.AddCommand(serveCmd)
}
