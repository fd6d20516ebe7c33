package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var holdCmd = &cobra.Command{
	Use:   "hold [resource]",
	Short: "Acquire a resource and hold it",
	Long:  "Acquire the resource, hold it for --for or until interrupted, then release it.",
	Args:  cobra.ExactArgs(1),
	RunE:  runHold,
}

func init() {
	holdCmd.Flags().Duration("for", 0, "how long to hold the lock (0 holds until interrupted)")
}

func runHold(cmd *cobra.Command, args []string) error {
	resource := args[0]
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

	st, err := factory(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	h, err := st.Locker.Acquire(ctx, resource)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=true path=%s token=%s\n", h.Path(), h.Token())

	holdFor, _ := cmd.Flags().GetDuration("for")
	var timer <-chan struct{}
	if holdFor > 0 {
		tctx, cancel := context.WithTimeout(ctx, holdFor)
		defer cancel()
		timer = tctx.Done()
	}
	select {
	case <-timer:
	case <-ctx.Done():
	case <-h.Lost():
		logger.Error("lock lost while holding", "resource", resource, "error", h.Err())
		return h.Err()
	}

	if err := st.Locker.Release(context.Background(), h); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=true\n")
	return nil
}
