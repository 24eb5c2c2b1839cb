package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tasksync/internal/cache"
	"github.com/TheMichaelB/tasksync/internal/models"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show [collection...]",
	Short: "Print cached collection snapshots",
	Example: `  tasksync cache show
  tasksync cache show tasks teams`,
	RunE: runCacheShow,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheShowCmd)
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	collections, err := parseCollections(args)
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	states := make([]*models.CollectionState, 0, len(collections))
	for _, collection := range collections {
		state, err := c.CachedCollection(collection)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			state = models.NewCollectionState(collection)
		case errors.Is(err, cache.ErrCorrupt), errors.Is(err, cache.ErrInvalid):
			printWarning("%s: cached snapshot is unreadable: %v", collection, err)
			continue
		case err != nil:
			return err
		}
		states = append(states, state)
	}

	if jsonOutput {
		printJSON(states)
		return nil
	}
	for _, state := range states {
		printCollection(state)
	}
	return nil
}
