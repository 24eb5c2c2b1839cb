package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/TheMichaelB/tasksync/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)

	titleCaser = cases.Title(language.English)
)

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	_, _ = successColor.Printf(format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	_, _ = errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	_, _ = warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	_, _ = infoColor.Printf(format+"\n", args...)
}

// title renders an identifier like "dead_letters" as "Dead Letters".
func title(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func statusColor(status models.Status) *color.Color {
	switch status {
	case models.StatusActive:
		return successColor
	case models.StatusError:
		return errorColor
	case models.StatusSyncing, models.StatusInitializing:
		return warnColor
	default:
		return infoColor
	}
}

func printState(state models.SessionState) {
	connectivity := "online"
	if state.IsOffline {
		connectivity = "offline"
	}

	line := fmt.Sprintf("%-12s %-8s", title(string(state.Status)), connectivity)
	if state.Identity != "" {
		line += " as " + state.Identity
	}
	if state.PendingWrites > 0 || state.DeadLetters > 0 {
		line += fmt.Sprintf("  pending=%d dead=%d", state.PendingWrites, state.DeadLetters)
	}
	_, _ = statusColor(state.Status).Println(line)

	if state.LastError != "" {
		_, _ = dimColor.Printf("  last error: %s\n", state.LastError)
	}
}

func printOperations(heading string, ops []*models.PendingOperation) {
	fmt.Printf("%s (%d)\n", title(heading), len(ops))
	for _, op := range ops {
		target := op.TargetID
		if target == "" {
			target = "-"
		}
		fmt.Printf("  %s  %-6s %-13s %-24s attempts=%d  %s\n",
			op.ID, op.Kind, op.Collection, target, op.Attempts,
			op.EnqueuedAt.Local().Format(time.RFC3339))
		if op.LastError != "" {
			_, _ = dimColor.Printf("      %s\n", op.LastError)
		}
	}
}

func printCollection(state *models.CollectionState) {
	header := fmt.Sprintf("%s: %d items", title(string(state.Collection)), len(state.Items))
	if state.Owner != "" {
		header += " for " + state.Owner
	}
	if !state.LastUpdated.IsZero() {
		header += ", updated " + state.LastUpdated.Local().Format(time.RFC3339)
	}
	printInfo("%s", header)

	for _, item := range state.Items {
		fmt.Printf("  %-24s r%-4s %s\n", item.ID, item.Revision, string(item.Payload))
	}
}
