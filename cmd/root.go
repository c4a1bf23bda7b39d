package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/store"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var cfgFile string
var debugMode bool

var rootCmd = &cobra.Command{
	Use:   "reelforge",
	Short: "Token-metered video generation pipeline",
	Long: `Reelforge runs the token-metered video generation pipeline: admission
of generation requests with atomic token reservation, a durable Redis
Streams job queue, a worker pool driving the external generation provider,
and refund compensation on failure.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !debugMode {
			return
		}
		// Reconstruct the invocation so logs show exactly what ran.
		fullCmd := "reelforge"
		if cmd.Name() != "reelforge" {
			fullCmd += " " + cmd.Name()
		}
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if f.Name == "debug" {
				return
			}
			if f.Value.Type() == "bool" {
				fullCmd += " --" + f.Name
			} else {
				fullCmd += " --" + f.Name + "=" + f.Value.String()
			}
		})
		if len(args) > 0 {
			fullCmd += " " + strings.Join(args, " ")
		}
		logLine("info", "command: "+fullCmd)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config",
		getEnvOrDefault("REELFORGE_CONFIG", "reelforge.yaml"),
		"path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"log the resolved command invocation")
}

// loadConfig loads the configuration honoring the --config flag.
func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the SQLite store from config.
func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DB.Path, err)
	}
	return st, nil
}

// logLine prints a worker-style log line with level coloring.
func logLine(level, msg string) {
	switch level {
	case "error":
		color.Red("✗ %s", msg)
	case "warning":
		color.Yellow("! %s", msg)
	case "success":
		color.Green("✓ %s", msg)
	default:
		fmt.Println(msg)
	}
}

// fail prints an error and exits.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
