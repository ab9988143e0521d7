package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/config"
	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
	"github.com/Siddhant-K-code/ctxcache/pkg/logging"
)

var (
	cfgFile string

	// version is set at build time with -ldflags "-X .../cmd.version=...".
	version = "dev"

	// readErr keeps a config file error until a command needs the config.
	readErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ctxcache",
	Short: "ctxcache - multi-layer cache engine for AI context",
	Long: `ctxcache stores and retrieves context for AI assistants across five
cache layers, each tuned for a different kind of reuse:

  predictive  exact keys and next-key prediction from access patterns
  semantic    answers to similar questions (cosine similarity)
  vector      diverse context selection for prompts (MMR)
  global      long-lived shared knowledge
  diary       per-session memories with importance decay

Lookups walk a configurable fallback chain. Every layer can be backed by
memory, Redis, PostgreSQL (pgvector), Qdrant or Pinecone.

Environment Variables:
  CTXCACHE_<SECTION>_<KEY>  Override any config key (e.g. CTXCACHE_ROUTER_TIMEOUT)
  OPENAI_API_KEY            Referenced as ${OPENAI_API_KEY} in the config template
  PINECONE_API_KEY          Referenced as ${PINECONE_API_KEY} in the config template`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	registerFlagCompletions(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ctxcache.yaml or $HOME/.config/ctxcache/ctxcache.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ctxcache"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("ctxcache")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if v.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
		}
	case errors.As(err, &notFound) && cfgFile == "":
		// Defaults plus environment.
	default:
		readErr = fmt.Errorf("failed to read config file: %w", err)
	}
}

// loadConfig returns the validated configuration for the current command.
func loadConfig() (*config.Config, error) {
	if readErr != nil {
		return nil, readErr
	}
	// An empty --log-level flag must not clobber the file's level.
	if viper.GetString("logging.level") == "" {
		viper.Set("logging.level", config.DefaultConfig().Logging.Level)
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// openEngine loads configuration and wires the cache.
func openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	e, err := engine.Build(ctx, cfg, log, opts...)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return e, nil
}
