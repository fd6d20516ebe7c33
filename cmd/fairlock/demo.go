package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run contenders queueing on one resource",
	Long: `Start several contenders, each on its own coordination session, that
all acquire the same resource, hold it for a while and release it. The
output shows the lock being handed over in queue order.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Int("contenders", 5, "number of contenders")
	demoCmd.Flags().Duration("hold", time.Second, "how long each contender keeps the lock")
	demoCmd.Flags().String("resource", "demo", "resource to contend for")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	factory, logger, _, err := setup(cmd)
	if err != nil {
		return err
	}
	shutdown, err := setupTracing()
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contenders, _ := cmd.Flags().GetInt("contenders")
	hold, _ := cmd.Flags().GetDuration("hold")
	resource, _ := cmd.Flags().GetString("resource")
	logger.Info("starting demo", "contenders", contenders, "resource", resource, "hold", hold)
	return demo(ctx, factory, resource, contenders, hold, cmd.OutOrStdout())
}

// demo runs the contenders and fails if two of them ever held the lock at
// the same time.
func demo(ctx context.Context, factory stackFactory, resource string, contenders int, hold time.Duration, out io.Writer) error {
	var (
		holders atomic.Int32
		outMu   sync.Mutex
	)
	say := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < contenders; i++ {
		g.Go(func() error {
			st, err := factory(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			h, err := st.Locker.Acquire(ctx, resource)
			if err != nil {
				return fmt.Errorf("contender %d: %w", i, err)
			}
			if n := holders.Add(1); n != 1 {
				return fmt.Errorf("contender %d: %d concurrent holders: %w", i, n, ferrors.ErrInvariant)
			}
			say("contender %d holds %s (%s)\n", i, resource, h.Path())

			select {
			case <-time.After(hold):
			case <-h.Lost():
				holders.Add(-1)
				return fmt.Errorf("contender %d: %w", i, h.Err())
			case <-ctx.Done():
			}

			holders.Add(-1)
			if err := st.Locker.Release(context.Background(), h); err != nil {
				return fmt.Errorf("contender %d: %w", i, err)
			}
			say("contender %d released %s\n", i, resource)
			return ctx.Err()
		})
	}
	return g.Wait()
}
