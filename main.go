// Command chatrelay runs the chat relay server and administers its user
// directory.
package main

import (
	"fmt"
	"os"

	"chatrelay/config"
	"chatrelay/db"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Text messaging relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path of the SQLite user directory")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds a production logger, or a development logger at debug
// level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openDB() (*db.DB, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}
