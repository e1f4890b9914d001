package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oralvis/oralvis/internal/config"
	"github.com/oralvis/oralvis/internal/domain/identity"
	"github.com/oralvis/oralvis/internal/platform/db"
	"github.com/oralvis/oralvis/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "oralvis-server",
		Short:        "OralVis dental image submission API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(blobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations (Postgres) or create indexes (Mongo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if cfg.DBDriver == "mongo" {
				client, err := db.NewMongoClient(ctx, cfg.MongoURI, 0)
				if err != nil {
					return err
				}
				defer client.Disconnect(context.Background())

				names, err := db.EnsureMongoIndexes(ctx, client.Database(cfg.MongoDatabase))
				if err != nil {
					return fmt.Errorf("index creation failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ensured %d index(es) on database %s.\n", len(names), cfg.MongoDatabase)
				return nil
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir)).WithSchema(schema)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DBDriver == "mongo" {
				return fmt.Errorf("migrate status only applies to postgres; mongo indexes are created by migrate up")
			}
			ctx := cmd.Context()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).WithSchema(schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("ORALVIS_ADMIN_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or ORALVIS_ADMIN_PASSWORD is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			tokens, err := newTokenManager(cfg)
			if err != nil {
				return err
			}
			svc := identity.NewService(backend.users, tokens, identity.WithBcryptCost(cfg.BcryptCost))
			u, err := svc.CreateAdmin(ctx, name, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s (%s)\n", u.Email, u.ID)
			return nil
		},
	}
	createAdmin.Flags().String("name", "", "Display name")
	createAdmin.Flags().String("email", "", "Login email")
	createAdmin.Flags().String("password", "", "Password (or set ORALVIS_ADMIN_PASSWORD)")
	_ = createAdmin.MarkFlagRequired("name")
	_ = createAdmin.MarkFlagRequired("email")
	cmd.AddCommand(createAdmin)

	return cmd
}

func blobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blobs",
		Short: "Maintain stored images and reports",
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no submission references",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			minAge, _ := cmd.Flags().GetDuration("min-age")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			store, err := openBlobStore(ctx, cfg)
			if err != nil {
				return err
			}

			refs, err := backend.submissions.ReferencedBlobs(ctx)
			if err != nil {
				return err
			}
			res, err := collectGarbage(ctx, store, refs, gcOptions{
				DryRun: dryRun,
				MinAge: minAge,
				Now:    time.Now(),
			})
			if err != nil {
				return err
			}

			verb := "Deleted"
			if dryRun {
				verb = "Would delete"
			}
			out := cmd.OutOrStdout()
			for _, name := range res.Orphans {
				fmt.Fprintln(out, name)
			}
			fmt.Fprintf(out, "%s %d orphaned blob(s), kept %d referenced, skipped %d recent.\n",
				verb, len(res.Orphans), res.Kept, res.Recent)
			return nil
		},
	}
	gcCmd.Flags().Bool("dry-run", false, "List orphans without deleting them")
	gcCmd.Flags().Duration("min-age", time.Hour, "Ignore blobs younger than this, which may belong to uploads in flight")
	cmd.AddCommand(gcCmd)

	return cmd
}
