package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/service"
)

func newSessionsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain stored email sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSessionsPurgeCommand(opts))
	return cmd
}

func newSessionsPurgeCommand(opts *globalOptions) *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions that expired before the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			graceDur, err := config.ParseDuration(olderThan)
			if err != nil {
				return fmt.Errorf("invalid --older-than: %w", err)
			}

			ctx := commandContext(cmd)
			log := opts.logger()
			store, err := opts.openStore(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions := service.NewSessionService(store, newEntitlementService(store, log), nil, events.Nop{}, nil, log)
			n, err := sessions.PurgeExpired(ctx, graceDur)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions expired before %s\n",
				n, time.Now().Add(-graceDur).UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "30d", "keep sessions for this long after expiry (supports 7d form)")
	return cmd
}
