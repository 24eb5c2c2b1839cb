package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tasksync/internal/models"
)

var writeCmd = &cobra.Command{
	Use:   "write <collection> <create|update|delete> [target-id]",
	Short: "Apply one write through a sync session",
	Long: `Write starts a session for the signed-in identity and applies one
mutation. Online writes go straight to the remote store. Offline writes,
and writes the remote store did not accept, stay in the persisted queue
and are sent on the next run.`,
	Example: `  tasksync write tasks create --data '{"title":"Plan sprint","assignees":["bob"]}'
  tasksync write tasks update t-42 --data '{"status":"done"}'
  tasksync write notifications delete n-7`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var (
	writeData    string
	writeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(writeCmd)

	writeCmd.Flags().StringVarP(&writeData, "data", "d", "",
		"Document fields as a JSON object")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second,
		"How long to wait for sign-in and queued writes to flush")
}

func runWrite(cmd *cobra.Command, args []string) error {
	collection, err := models.ParseCollection(args[0])
	if err != nil {
		return err
	}
	kind, err := models.ParseOperationKind(args[1])
	if err != nil {
		return err
	}

	m := models.Mutation{Collection: collection, Kind: kind}
	if len(args) == 3 {
		m.TargetID = args[2]
	}
	if writeData != "" {
		m.Data = json.RawMessage(writeData)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	states, cancel := c.Session.StateChanges(ctx)
	defer cancel()

	if err := c.Session.Start(ctx); err != nil {
		return err
	}
	if err := waitForStatus(ctx, states, c.Session.Status(), models.StatusActive, writeTimeout); err != nil {
		return err
	}

	receipt := c.Session.Write(ctx, m)
	if receipt.Status == models.WriteRejected {
		return fmt.Errorf("write rejected: %w", receipt.Err)
	}

	// Give queued writes a chance to flush before the session closes.
	if receipt.Status == models.WriteQueued && !c.Session.IsOffline() {
		waitForDrain(states, c.Session.State(), writeTimeout)
	}

	state := c.Session.State()
	result := map[string]interface{}{
		"success":        true,
		"status":         receipt.Status,
		"operation_id":   receipt.OperationID,
		"pending_writes": state.PendingWrites,
	}
	if receipt.Err != nil {
		result["error"] = receipt.Err.Error()
	}

	if jsonOutput {
		printJSON(result)
		return nil
	}

	switch {
	case receipt.Status == models.WriteSent:
		printSuccess("Write sent")
	case state.PendingWrites == 0:
		printSuccess("Write queued and flushed (%s)", receipt.OperationID)
	default:
		printWarning("Write queued as %s, %d pending write(s) will be sent on the next run", receipt.OperationID, state.PendingWrites)
		if receipt.Err != nil {
			printWarning("  cause: %v", receipt.Err)
		}
	}
	return nil
}

func waitForDrain(states <-chan models.SessionState, current models.SessionState, timeout time.Duration) {
	if current.PendingWrites == 0 {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case state, ok := <-states:
			if !ok || state.PendingWrites == 0 || state.IsOffline {
				return
			}
		}
	}
}
