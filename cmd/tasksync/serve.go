package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tasksync/internal/devserver"
	"github.com/TheMichaelB/tasksync/internal/identity"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development remote store",
	Long: `Serve runs a local remote store backed by SQLite. It accepts writes
over HTTP and streams query snapshots over WebSocket, which is enough to
run sessions against without a hosted backend.`,
	Example: `  tasksync serve
  tasksync serve --address :9090 --database ./dev.db`,
	RunE: runServe,
}

var (
	serveAddress  string
	serveDatabase string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveAddress, "address", "a", "",
		"Listen address (default from server.address)")
	serveCmd.Flags().StringVar(&serveDatabase, "database", "",
		"SQLite database path (default from server.database_path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	address := cfg.Server.Address
	if serveAddress != "" {
		address = serveAddress
	}
	database := cfg.Server.DatabasePath
	if serveDatabase != "" {
		database = serveDatabase
	}

	store, err := devserver.OpenStore(database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := devserver.Dependencies{
		Store:          store,
		IdempotencyTTL: cfg.Server.IdempotencyTTL,
		Logger:         logger,
	}
	if secret := serverSecret(); secret != "" {
		deps.Tokens = identity.NewTokenIssuer(identity.TokenConfig{
			SigningSecret: []byte(secret),
			Issuer:        cfg.Identity.Issuer,
		})
	} else {
		printWarning("No signing secret configured, tokens are not verified")
	}

	server, err := devserver.New(deps)
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !jsonOutput {
		printInfo("Serving on %s (database %s)", address, database)
	}
	return server.Run(ctx, address)
}

// serverSecret prefers the server secret and falls back to the identity
// secret so a single value can serve both sides of a local setup.
func serverSecret() string {
	if cfg.Server.SigningSecret != "" {
		return cfg.Server.SigningSecret
	}
	return cfg.Identity.SigningSecret
}
