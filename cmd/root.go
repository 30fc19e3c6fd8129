package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/reelmatch/internal/config"
	"github.com/andresmejia3/reelmatch/internal/logging"
	"github.com/andresmejia3/reelmatch/internal/store"
	"github.com/andresmejia3/reelmatch/internal/utils"
	"github.com/andresmejia3/reelmatch/internal/video"
)

var (
	// DB is the optional run ledger shared by subcommands. It is nil when no
	// database is configured.
	DB *store.Store
	// Cfg is the loaded configuration, before per-command flag overrides.
	Cfg *config.Config
	// Logger is the structured logger for all commands.
	Logger = zap.NewNop()

	cfgPath  string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "reelmatch",
	Short:         "Find a face in a video and cut a highlight reel of every match",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		Cfg = cfg

		l, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return err
		}
		Logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
		_ = Logger.Sync()
	},
}

// connectDB opens the ledger. With required false a missing database URL is
// not an error and leaves DB nil.
func connectDB(ctx context.Context, required bool) error {
	if DB != nil {
		return nil
	}
	if Cfg == nil || Cfg.Database.URL == "" {
		if required {
			return errors.New("no database configured: pass --db, set REELMATCH_DB_URL or POSTGRES_HOST")
		}
		return nil
	}
	s, err := store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return nil
}

// Execute runs the root command with a context cancelled by Ctrl+C or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode prints err and maps it to a process exit status.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "🛑 Interrupted.")
		return 130
	}
	var logs *utils.SafeCommand
	if pe, ok := video.IsProcessError(err); ok && pe.Logs != "" {
		logs = &utils.SafeCommand{Stderr: utils.NewTailBuffer(0)}
		logs.Stderr.Write([]byte(pe.Logs))
	}
	utils.ShowError("command failed", err, logs)
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "reelmatch.toml", "Path to a TOML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run ledger (default: none, or built from POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}
