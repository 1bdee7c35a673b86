package main

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/monitoring"
	"github.com/banshee-data/crossview/internal/reid/detect"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/reid/storage/sqlite"
)

func newRootCommand() *cobra.Command {
	var (
		configFlag  string
		dbFlag      string
		logFileFlag string
		traceFlag   bool
	)
	ctx := newCommandContext(&configFlag, &dbFlag)

	rootCmd := &cobra.Command{
		Use:           "crossview",
		Short:         "Cross-view player re-identification",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.setupLogging(cmd.ErrOrStderr(), logFileFlag, traceFlag)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Tuning configuration JSON file")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite run history database (disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Also write logs to this size-rotated file")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "Enable per-frame trace logging")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// commandContext lazily opens the shared resources a subcommand needs.
type commandContext struct {
	configFlag *string
	dbFlag     *string

	logFile io.WriteCloser

	configOnce sync.Once
	config     *config.TuningConfig
	configErr  error

	db *sqlite.DB
}

func newCommandContext(configFlag, dbFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, dbFlag: dbFlag}
}

func (c *commandContext) setupLogging(stderr io.Writer, logFile string, trace bool) {
	streams := monitoring.Streams{Ops: stderr, Diag: stderr}
	if trace {
		streams.Trace = stderr
	}
	if logFile != "" {
		c.logFile = monitoring.OpenRotatingFile(monitoring.FileOptions{Path: logFile})
		streams = streams.Tee(c.logFile)
	}

	logger := log.New(streams.Ops, "", log.LstdFlags)
	monitoring.SetLogger(logger.Printf)
	detect.SetLogWriters(streams.Ops, streams.Diag, streams.Trace)
	pipeline.SetLogWriters(streams.Ops, streams.Diag, streams.Trace)
}

// ensureConfig loads the base tuning config: the defaults with the --config
// file merged on top.
func (c *commandContext) ensureConfig() (*config.TuningConfig, error) {
	c.configOnce.Do(func() {
		c.config = config.DefaultTuningConfig()
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			return
		}
		override, err := config.LoadTuningConfig(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = c.config.Merge(override)
	})
	return c.config, c.configErr
}

// openDB opens and migrates the history database. It returns nil when
// --db is not set.
func (c *commandContext) openDB() (*sqlite.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	path := strings.TrimSpace(*c.dbFlag)
	if path == "" {
		return nil, nil
	}
	db, err := sqlite.OpenMigrated(path)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

func (c *commandContext) close() error {
	var firstErr error
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			firstErr = err
		}
		c.db = nil
	}
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.logFile = nil
	}
	return firstErr
}
