package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "visit-server",
		Short:         "Patient visit workflow API server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(routingCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the visit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// withMigrator loads config, connects and hands fn a migrator over the
// embedded migrations.
func withMigrator(ctx context.Context, fn func(cfg *config.Config, m *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 0})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, db.NewMigrator(pool, migrations.FS))
}

func tenantFlag(cmd *cobra.Command, cfg *config.Config) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	if !db.ValidTenantID(tenant) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenant)
	}
	return tenant, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(cfg *config.Config, m *db.Migrator) error {
				tenant, err := tenantFlag(cmd, cfg)
				if err != nil {
					return err
				}
				schema := db.SchemaName(tenant)
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

				count, err := m.Up(cmd.Context(), schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(cfg *config.Config, m *db.Migrator) error {
				tenant, err := tenantFlag(cmd, cfg)
				if err != nil {
					return err
				}
				schema := db.SchemaName(tenant)
				statuses, err := m.Status(cmd.Context(), schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %q", name)
			}

			return withMigrator(cmd.Context(), func(_ *config.Config, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
				n, err := db.CreateTenantSchema(cmd.Context(), m, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant created, %d migration(s) applied.\n", n)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (lowercase letters, digits, underscore)")
	cmd.AddCommand(createCmd)

	return cmd
}

func loadRouting(path string) (*visit.RoutingTable, error) {
	if path == "" {
		return visit.DefaultRoutingTable(), nil
	}
	return visit.LoadRoutingTable(path)
}

func routingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Inspect the stage routing table",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a routing file and list the allowed handoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rt, err := loadRouting(file)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d transitions\n", rt.Edges())
			for _, s := range visit.Stages {
				dests := rt.Destinations(s)
				if len(dests) == 0 {
					continue
				}
				fmt.Fprintf(w, "%-24s -> %v\n", s, dests)
			}
			return nil
		},
	}
	checkCmd.Flags().String("file", "", "Routing YAML file (defaults to the built-in table)")
	cmd.AddCommand(checkCmd)

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print a routing table as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rt, err := loadRouting(file)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(rt)
		},
	}
	printCmd.Flags().String("file", "", "Routing YAML file (defaults to the built-in table)")
	cmd.AddCommand(printCmd)

	return cmd
}
