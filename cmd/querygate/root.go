package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	querygate "github.com/Mousten/mcp-bigquery-v1-sub000"
	"github.com/Mousten/mcp-bigquery-v1-sub000/logger"
	"github.com/Mousten/mcp-bigquery-v1-sub000/stores"
)

type globalOptions struct {
	configPath string
	dbPath     string
	redisAddr  string
	output     string
	verbose    bool
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "querygate",
		Short:         "Table-level access control and result caching for warehouse queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", opts.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database holding grants and the query cache")
	rootCmd.PersistentFlags().StringVar(&opts.redisAddr, "redis", "", "Redis address for the query cache, overrides --db for cache operations")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newExtractCmd(opts))
	rootCmd.AddCommand(newCheckCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newInvalidateCmd(opts))
	return rootCmd
}

func (o *globalOptions) logger() logger.Logger {
	if o.verbose {
		return logger.NewPhusluLogger()
	}
	return logger.NewNullLogger()
}

// loadConfig reads --config when given, then applies QUERYGATE_* overrides.
func (o *globalOptions) loadConfig() (*querygate.Config, error) {
	cfg := querygate.DefaultConfig()
	if o.configPath != "" {
		loaded, err := querygate.NewConfigLoader().LoadFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", o.configPath, err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *globalOptions) openDB() (*squealx.DB, func(), error) {
	if o.dbPath == "" {
		return nil, nil, errors.New("--db is required")
	}
	sqlDB, err := sql.Open("sqlite", o.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", o.dbPath, err)
	}
	return squealx.NewDb(sqlDB, "sqlite", "querygate"), func() { _ = sqlDB.Close() }, nil
}

// cacheStore picks Redis when --redis is set, otherwise the SQLite database.
func (o *globalOptions) cacheStore() (querygate.CacheStore, func(), error) {
	if o.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", o.redisAddr, err)
		}
		return stores.NewRedisCacheStore(client), func() { _ = client.Close() }, nil
	}
	db, closeDB, err := o.openDB()
	if err != nil {
		return nil, nil, err
	}
	return stores.NewSQLCacheStore(db), closeDB, nil
}

// hydrator reads grants from --db when set, otherwise from the config file.
func (o *globalOptions) hydrator(ctx context.Context, cfg *querygate.Config) (querygate.HydrationPort, func(), error) {
	if o.dbPath != "" {
		db, closeDB, err := o.openDB()
		if err != nil {
			return nil, nil, err
		}
		return stores.NewSQLHydrator(db), closeDB, nil
	}
	h := stores.NewMemoryHydrator()
	if err := h.ApplyConfig(ctx, cfg); err != nil {
		return nil, nil, err
	}
	return h, func() {}, nil
}

// engine assembles an engine with the configured cache store; withCache false
// leaves caching disabled.
func (o *globalOptions) engine(ctx context.Context, withCache bool) (*querygate.Engine, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	hydrator, closeHydrator, err := o.hydrator(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	var store querygate.CacheStore
	closeStore := func() {}
	if withCache {
		if store, closeStore, err = o.cacheStore(); err != nil {
			closeHydrator()
			return nil, nil, err
		}
	}
	e, err := querygate.NewEngineFromConfig(cfg, hydrator, store, querygate.WithLogger(o.logger()))
	if err != nil {
		closeStore()
		closeHydrator()
		return nil, nil, err
	}
	return e, func() {
		e.Close()
		closeStore()
		closeHydrator()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
