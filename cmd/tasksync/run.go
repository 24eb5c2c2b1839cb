package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tasksync/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a sync session until interrupted",
	Long: `Run starts a sync session, follows the signed-in identity from the
token file, and keeps the local cache in sync while printing status
changes, errors and collection updates.`,
	Example: `  tasksync run
  tasksync run --watch tasks --watch notifications
  tasksync run --json`,
	RunE: runSession,
}

var runWatch []string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runWatch, "watch", "w", nil,
		"Collections to print on change (default: all)")
}

func runSession(cmd *cobra.Command, args []string) error {
	collections, err := parseCollections(runWatch)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	states, cancelStates := c.Session.StateChanges(ctx)
	defer cancelStates()
	errs, cancelErrs := c.Session.Errors(ctx)
	defer cancelErrs()

	updates := make(chan *models.CollectionState, len(collections))
	for _, collection := range collections {
		ch, cancel, err := c.Session.Watch(ctx, collection)
		if err != nil {
			return err
		}
		defer cancel()
		go forward(ctx, ch, updates)
	}

	if err := c.Session.Start(ctx); err != nil {
		return err
	}

	if !jsonOutput {
		printInfo("Session started, press Ctrl+C to stop")
	}

	for {
		select {
		case <-ctx.Done():
			if !jsonOutput {
				printWarning("\nStopping session...")
			}
			return nil

		case state, ok := <-states:
			if !ok {
				return nil
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"type": "state", "state": state})
			} else {
				printState(state)
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"type": "error", "error": err.Error(), "user_visible": models.IsUserVisible(err)})
			} else if models.IsUserVisible(err) {
				printError("%v", err)
			} else {
				printWarning("%v", err)
			}

		case state := <-updates:
			if jsonOutput {
				printJSON(map[string]interface{}{"type": "collection", "collection": state})
			} else {
				printCollection(state)
			}
		}
	}
}

func forward(ctx context.Context, in <-chan *models.CollectionState, out chan<- *models.CollectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseCollections(names []string) ([]models.Collection, error) {
	if len(names) == 0 {
		return models.AllCollections(), nil
	}

	out := make([]models.Collection, 0, len(names))
	for _, name := range names {
		c, err := models.ParseCollection(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// waitForStatus blocks until the session reaches want or timeout passes.
func waitForStatus(ctx context.Context, states <-chan models.SessionState, current models.Status, want models.Status, timeout time.Duration) error {
	if current == want {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("session did not become %s within %s (status %s)", want, timeout, current)
		case state, ok := <-states:
			if !ok {
				return fmt.Errorf("session closed")
			}
			current = state.Status
			if current == want {
				return nil
			}
			if current == models.StatusIdle && state.Identity == "" && state.LastError != "" {
				return fmt.Errorf("session is not signed in: %s", state.LastError)
			}
		}
	}
}
