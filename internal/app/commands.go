package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/trace-crm/internal/api"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync for a user's mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		providerFlag, _ := cmd.Flags().GetString("provider")
		if userID == "" {
			return fmt.Errorf("%w: --user", errMissingFlag)
		}
		provider, err := sync.ParseProviderName(providerFlag)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		sum, runErr := e.manager.Sync(ctx, userID, provider)
		if sum != nil {
			if err := printJSON(cmd, sum); err != nil {
				return err
			}
		}
		return runErr
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		// opening a store applies its schema
		e, err := setup(context.Background())
		if err != nil {
			return err
		}
		defer e.Close()

		e.log.WithField("driver", e.cfg.Database.Driver).Info("schema is up to date")
		return nil
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List a user's mailbox connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("%w: --user", errMissingFlag)
		}

		ctx := context.Background()
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		conns, err := e.manager.Connections(ctx, userID)
		if err != nil {
			return err
		}
		views := make([]api.ConnectionView, 0, len(conns))
		for i := range conns {
			views = append(views, api.NewConnectionView(&conns[i]))
		}
		return printJSON(cmd, views)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	syncCmd.Flags().String("user", "", "User id owning the connection")
	syncCmd.Flags().String("provider", "gmail", "Provider: gmail or outlook")
	connectionsCmd.Flags().String("user", "", "User id")

	rootCmd.AddCommand(syncCmd, migrateCmd, connectionsCmd)
}
