// Command watch-admin issues credentials for the watch service and applies its schema.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"

	libdb "chargewatch/backend/libs/db"
	"chargewatch/backend/services/watch-service/internal/auth"
	"chargewatch/backend/services/watch-service/internal/repository"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "watch-admin",
		Short:         "Administrative tasks for the watch service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(tokenCommand(), cronKeyCommand(), vapidCommand(), migrateCommand())
	return root
}

func tokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for ingestion clients or the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("WATCH_JWT_SECRET")
			}
			token, err := auth.NewTokenService(secret, ttl).GenerateToken(subject, auth.RoleService)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (defaults to WATCH_JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. ingest-client")
	cmd.Flags().DurationVar(&ttl, "ttl", 365*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func cronKeyCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-cron-key <key>",
		Short: "Print the bcrypt hash to configure as WATCH_CRON_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.NewKeyHasher(cost).Hash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the library default)")
	return cmd
}

func vapidCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for Web Push",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "WATCH_VAPID_PUBLIC_KEY=%s\nWATCH_VAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("WATCH_POSTGRES_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := libdb.NewPostgresDB(ctx, dsn, libdb.PoolOptions{MaxOpenConns: 1})
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := repository.Migrate(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (defaults to WATCH_POSTGRES_DSN)")
	return cmd
}
