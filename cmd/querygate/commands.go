package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
	"github.com/Mousten/mcp-bigquery-v1-sub000/sqlscan"
	"github.com/Mousten/mcp-bigquery-v1-sub000/stores"
)

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = args[0]
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			summary := map[string]any{
				"version":         cfg.Version,
				"default_project": cfg.Engine.DefaultProject,
				"profiles":        len(cfg.Profiles),
				"roles":           len(cfg.Roles),
				"memberships":     len(cfg.Memberships),
				"role_cache":      cfg.Engine.RoleCacheBackend,
			}
			if opts.output == "json" {
				return printJSON(summary)
			}
			fmt.Println("Configuration is valid")
			fmt.Printf("  Version: %d\n", cfg.Version)
			fmt.Printf("  Default project: %s\n", cfg.Engine.DefaultProject)
			fmt.Printf("  Roles: %d\n", len(cfg.Roles))
			fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
			fmt.Printf("  Role cache: %s\n", cfg.Engine.RoleCacheBackend)
			return nil
		},
	}
}

func newExtractCmd(opts *globalOptions) *cobra.Command {
	var project string
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "extract <sql>",
		Short: "List the tables a query reads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if readOnly {
				if err := sqlscan.ValidateReadOnly(args[0]); err != nil {
					return err
				}
			}
			refs := querygate.ExtractReferences(args[0], project)
			if opts.output == "json" {
				hash, err := querygate.QueryHash(args[0], nil)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"references": refs, "query_hash": hash})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tDATASET\tTABLE")
			for _, r := range refs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", dash(r.Project), dash(r.Dataset), r.Table)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project assumed for dataset.table references")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Reject statements that are not a single SELECT")
	return cmd
}

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var principal, permission string
	cmd := &cobra.Command{
		Use:   "check <sql>",
		Short: "Explain whether a principal may run a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				return fmt.Errorf("--principal is required")
			}
			e, closeAll, err := opts.engine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeAll()
			d, err := e.Explain(cmd.Context(), &querygate.QueryRequest{PrincipalID: principal, SQL: args[0], RequiredPermission: permission})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				if err := printJSON(d); err != nil {
					return err
				}
			} else {
				for _, line := range d.Trace {
					fmt.Println(line)
				}
			}
			return d.Err()
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "Principal to check")
	cmd.Flags().StringVar(&permission, "permission", "", "Permission to require instead of the configured default")
	return cmd
}

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQLite schema and load grants from --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := opts.openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := stores.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if opts.configPath != "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				if err := stores.NewSQLHydrator(db).ApplyConfig(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s\n", opts.dbPath)
			return nil
		},
	}
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired query cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, closeAll, err := opts.engine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeAll()
			sweeper, err := querygate.NewSweeper(e, every, querygate.WithSweepLogger(opts.logger()))
			if err != nil {
				return err
			}
			if every <= 0 {
				n, err := sweeper.SweepNow(cmd.Context())
				if err != nil {
					return err
				}
				return report(opts, "swept", n)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sweeper.Start(ctx)
			<-ctx.Done()
			return sweeper.Stop(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "Keep sweeping at this interval until interrupted")
	return cmd
}

func newInvalidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <[project.]dataset.table>",
		Short: "Drop cached results that read a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, dataset, table, err := splitTable(args[0])
			if err != nil {
				return err
			}
			e, closeAll, err := opts.engine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeAll()
			n, err := e.InvalidateTable(cmd.Context(), project, dataset, table)
			if err != nil {
				return err
			}
			return report(opts, "invalidated", n)
		},
	}
}

func splitTable(s string) (project, dataset, table string, err error) {
	parts := strings.Split(strings.Trim(s, "`"), ".")
	switch len(parts) {
	case 2:
		return "", parts[0], parts[1], nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", fmt.Errorf("expected dataset.table or project.dataset.table, got %q", s)
	}
}

func report(opts *globalOptions, what string, n int) error {
	if opts.output == "json" {
		return printJSON(map[string]int{what: n})
	}
	fmt.Printf("%s %d entries\n", strings.ToUpper(what[:1])+what[1:], n)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
