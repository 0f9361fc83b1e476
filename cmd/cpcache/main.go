// Package main implements the cpcache command-line tool: a caching HTTP
// proxy for Pacman-style binary package repositories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/cpcache/internal/cache"
)

const defaultConfigPath = "/etc/cpcache/cpcache.toml"

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cpcache",
	Short: "Caching HTTP proxy for Pacman-style package repositories",
	Long: `cpcache caches package payloads fetched from upstream mirrors on local
disk and always redirects sync-database requests to a mirror.

Find more information at: https://github.com/mirrorctl/cpcache`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caching proxy",
	Long: `Starts the cpcache server: binds the configured port, acquires the
cache_directory lock, and serves client requests until interrupted.

Usage:
  # Start with the default configuration file
  cpcache serve

  # Use a custom configuration file
  cpcache serve --config /path/to/cpcache.toml

  # Override the log level
  cpcache serve --log-level debug`,
	Run: runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("cpcache %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var probeMirrorsCmd = &cobra.Command{
	Use:   "probe-mirrors",
	Short: "Run an on-demand auto-scoring pass over configured mirrors",
	Long: `Probes every candidate mirror concurrently and prints the resulting
ranking, the same pass the server runs on mirrors_auto.test_interval when
mirror_selection_method = "auto".`,
	Run: runProbeMirrors,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(probeMirrorsCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
}

// formatError returns a human-friendly error message, optionally with a
// full stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and offers suggestions for
// common typos (e.g. "mirror.auto" vs "mirrors_auto").
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	groups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()
		if strings.HasPrefix(keyStr, "mirror.") && !strings.HasPrefix(keyStr, "mirrors.") {
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				groups[parts[0]+"."+parts[1]]++
			}
			continue
		}
		unknown = append(unknown, keyStr)
	}

	for root, count := range groups {
		corrected := strings.Replace(root, "mirror.", "mirrors_", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", root, corrected))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", root, corrected, count))
		}
	}
	return suggestions, unknown
}

func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var sb strings.Builder
	if len(suggestions) > 0 {
		sb.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, s := range suggestions {
			sb.WriteString("  • " + s + "\n")
		}
	}
	if len(unknown) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\nAdditionally, found unknown sections: ")
		} else {
			sb.WriteString("configuration contains unknown sections: ")
		}
		sb.WriteString(fmt.Sprintf("%v", unknown))
	}
	return sb.String()
}

func loadConfig(verboseErrors bool) *cache.Config {
	config := cache.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("create a configuration file at the default location or specify one with --config")
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Error("configuration validation failed", "error", formatUndecodedError(undecoded), "path", configPath)
		os.Exit(1)
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		slog.Error("failed to apply environment overrides", "error", err)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
	}

	return config
}

func printBanner(config *cache.Config) {
	useColor := isatty.IsTerminal(os.Stdout.Fd())
	bold := color.New(color.Bold)
	if !useColor {
		bold.DisableColor()
	}
	bold.Printf("cpcache %s\n", version)
	fmt.Printf("  port:            %d\n", config.Port)
	fmt.Printf("  cache_directory: %s\n", config.CacheDirectory)
	fmt.Printf("  ipv6_enabled:    %t\n", config.IPv6Enabled)
	fmt.Printf("  mirror_selection: %s\n", config.MirrorSelectionMethod)
	fmt.Println()
}

func runServe(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		printBanner(config)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cache.Run(ctx, config); err != nil {
		slog.Error("server exited with error", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	if err := config.Check(); err != nil {
		slog.Error("the toml configuration file is not valid", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func runProbeMirrors(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(verboseErrors)

	// Order reflects the probe's ranking only in auto mode.
	config.MirrorSelectionMethod = cache.SelectionAuto
	selector := cache.NewMirrorSelector(config)

	var bar *pb.ProgressBar
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bar = pb.StartNew(len(config.MirrorsPre))
		defer bar.Finish()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*config.MirrorsAuto.Timeout+5*time.Second)
	defer cancel()

	if err := selector.Probe(ctx); err != nil {
		slog.Error("probe-mirrors failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if bar != nil {
		bar.SetCurrent(int64(len(config.MirrorsPre)))
	}

	fmt.Println("ranked mirrors (best first):")
	for i, m := range selector.Order() {
		fmt.Printf("  %d. %s\n", i+1, m)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
