package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tbxark/stepagent/config"
)

var (
	v       = config.NewViper()
	logSink io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "stepagent",
	Short: "Guided step-by-step task assistant",
	Long: `stepagent walks a user through a task one step at a time.
An LLM oracle answers each turn with a short message and a few UI actions;
a step only advances when the user explicitly confirms it.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

func main() {
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().String("model", "", "model name")
	rootCmd.PersistentFlags().String("oracle-url", "", "remote oracle endpoint; empty calls the model in process")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = v.BindPFlag("oracle.url", rootCmd.PersistentFlags().Lookup("oracle-url"))
	_ = v.BindPFlag("model.name", rootCmd.PersistentFlags().Lookup("model"))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return nil, err
	}
	slog.Debug("configuration loaded", "model", cfg.Model.Name, "oracle_url", cfg.Oracle.URL, "config_file", v.ConfigFileUsed())
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = lj
		logSink = lj
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}
