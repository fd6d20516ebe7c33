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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fairlock/v1/presets"
	"github.com/mirkobrombin/go-fairlock/v1/validator"
	"github.com/mirkobrombin/go-fairlock/v1/watchbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics and the lock event feed",
	Long: `Serve Prometheus metrics on /metrics and the lock event feed of a
resource on /events (server-sent events) and /ws (websocket), both selected
with ?resource=. Backends that need it also get a periodic orphan sweep.

The feed must be shared by the processes that take the locks: the redis
backend always is, the zk backend needs --feed-addr and the in-process
memory backend is refused.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":2112", "listen address")
	serveCmd.Flags().String("validator-mode", "alert", "orphan sweep mode (noop, alert, autoheal)")
	serveCmd.Flags().Duration("validator-interval", 30*time.Second, "orphan sweep interval")
}

func newMux(st *presets.Stack, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/events", watchbus.SSEHandler(st.Events))
	mux.Handle("/ws", watchbus.WebSocketHandler(st.Events))
	return mux
}

// requireSharedFeed refuses stacks whose event feed only this process
// could publish to.
func requireSharedFeed(st *presets.Stack) error {
	if st.Shared {
		return nil
	}
	if viper.GetString("backend") == "zk" {
		return errors.New("serve: the zk backend needs --feed-addr to share the event feed")
	}
	return fmt.Errorf("serve: the %s backend has no shared event feed", viper.GetString("backend"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	factory, logger, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	shutdown, err := setupTracing()
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	modeName, _ := cmd.Flags().GetString("validator-mode")
	mode, ok := validator.ParseMode(modeName)
	if !ok {
		return errors.New("invalid validator mode " + modeName)
	}
	interval, _ := cmd.Flags().GetDuration("validator-interval")
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := factory(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := requireSharedFeed(st); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: newMux(st, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if st.Orphans != nil {
		v := validator.New(st.Orphans, mode, interval, validator.WithLogger(logger))
		g.Go(func() error {
			v.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}
