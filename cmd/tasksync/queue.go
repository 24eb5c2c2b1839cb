package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage persisted offline writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list [identity]",
	Short: "List queued and dead-lettered writes",
	Example: `  tasksync queue list
  tasksync queue list alice`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQueueList,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <identity> [operation-id]",
	Short: "Discard one queued write, or every write of an identity",
	Example: `  tasksync queue discard alice
  tasksync queue discard alice 01J9Z3...`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runQueueDiscard,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <identity> <operation-id>",
	Short: "Move a dead-lettered write back into the queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueRetry,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDiscardCmd, queueRetryCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	identities := args
	if len(identities) == 0 {
		identities, err = c.QueueIdentities()
		if err != nil {
			return err
		}
	}

	results := make([]map[string]interface{}, 0, len(identities))
	for _, subject := range identities {
		q, err := c.Queue(subject)
		if err != nil {
			return err
		}

		if jsonOutput {
			results = append(results, map[string]interface{}{
				"identity":     subject,
				"pending":      q.Pending(),
				"dead_letters": q.DeadLetters(),
			})
			continue
		}

		printInfo("%s", subject)
		printOperations("pending", q.Pending())
		printOperations("dead_letters", q.DeadLetters())
	}

	if jsonOutput {
		printJSON(results)
	} else if len(identities) == 0 {
		printInfo("No queued writes")
	}
	return nil
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	subject := args[0]
	if len(args) == 1 {
		if err := c.Session.DiscardPending(subject); err != nil {
			return err
		}
		report(map[string]interface{}{"success": true, "identity": subject}, "Discarded all writes of %s", subject)
		return nil
	}

	q, err := c.Queue(subject)
	if err != nil {
		return err
	}

	id := args[1]
	if err := q.Discard(id); err != nil {
		if dlErr := q.DiscardDeadLetter(id); dlErr != nil {
			return fmt.Errorf("discard %s: %w", id, err)
		}
	}

	report(map[string]interface{}{"success": true, "identity": subject, "operation_id": id}, "Discarded %s", id)
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	q, err := c.Queue(args[0])
	if err != nil {
		return err
	}
	if err := q.RetryDeadLetter(args[1]); err != nil {
		return err
	}

	report(map[string]interface{}{"success": true, "identity": args[0], "operation_id": args[1]},
		"Requeued %s, it will be sent on the next run", args[1])
	return nil
}

func report(result map[string]interface{}, format string, args ...interface{}) {
	if jsonOutput {
		printJSON(result)
		return
	}
	printSuccess(format, args...)
}
