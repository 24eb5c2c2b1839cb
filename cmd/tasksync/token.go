package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/tasksync/internal/client"
	"github.com/TheMichaelB/tasksync/internal/identity"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <subject>",
	Short: "Issue a signed token for a subject",
	Long: `Issue signs a token with the configured signing secret. With --save
the token is written to the identity token file, which signs the running
session in as subject.`,
	Example: `  tasksync token issue alice --save
  tasksync token issue bob --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenIssue,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the identity token file, signing the session out",
	Args:  cobra.NoArgs,
	RunE:  runTokenClear,
}

var (
	tokenSave bool
	tokenTTL  time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenClearCmd)

	tokenIssueCmd.Flags().BoolVarP(&tokenSave, "save", "s", false,
		"Write the token to the identity token file")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour,
		"Token lifetime")
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	secret := serverSecret()
	if secret == "" {
		var err error
		secret, err = promptSecret("Signing secret: ")
		if err != nil {
			return fmt.Errorf("read signing secret: %w", err)
		}
	}

	issuer := identity.NewTokenIssuer(identity.TokenConfig{
		SigningSecret: []byte(secret),
		Issuer:        cfg.Identity.Issuer,
		TokenTTL:      tokenTTL,
	})

	token, expiresAt, err := issuer.Issue(args[0])
	if err != nil {
		return err
	}

	path := ""
	if tokenSave {
		path = client.TokenFile(cfg)
		if err := identity.WriteTokenFile(path, token); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"token":      token,
			"subject":    args[0],
			"expires_at": expiresAt,
			"token_file": path,
		})
		return nil
	}

	if tokenSave {
		printSuccess("Signed in as %s until %s (%s)", args[0], expiresAt.Local().Format(time.RFC3339), path)
		return nil
	}
	fmt.Println(token)
	return nil
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	path := client.TokenFile(cfg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}

	report(map[string]interface{}{"success": true, "token_file": path}, "Signed out")
	return nil
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no signing secret configured and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(secret)), nil
}
