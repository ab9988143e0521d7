package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Siddhant-K-code/ctxcache/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ctxcache configuration",
	Long:  `Commands for creating, validating and inspecting ctxcache.yaml configuration files.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a ctxcache.yaml template",
	Long: `Creates a ctxcache.yaml configuration file with all available options
and their default values.

Example:
  ctxcache config init
  ctxcache config init --output /etc/ctxcache/ctxcache.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a ctxcache.yaml configuration file",
	Long: `Reads and validates a configuration file, reporting every error.

Example:
  ctxcache config validate
  ctxcache config validate ctxcache.yaml
  ctxcache config validate --config /etc/ctxcache/ctxcache.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after defaults, the config file and
CTXCACHE_* environment overrides are merged. Secrets are masked unless
--secrets is given.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringP("output", "o", "ctxcache.yaml", "output file path")
	configInitCmd.Flags().Bool("stdout", false, "print to stdout instead of file")

	configShowCmd.Flags().Bool("secrets", false, "print secrets in clear text")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	toStdout, _ := cmd.Flags().GetBool("stdout")
	output, _ := cmd.Flags().GetString("output")

	template := config.GenerateTemplate()

	if toStdout {
		fmt.Fprint(cmd.OutOrStdout(), template)
		return nil
	}

	// Check if file already exists
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("file %s already exists (use --stdout to print to stdout)", output)
	}

	if err := os.WriteFile(output, []byte(template), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Created %s\n", output)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var cfgPath string

	switch {
	case len(args) > 0:
		cfgPath = args[0]
	case cfgFile != "":
		cfgPath = cfgFile
	default:
		cfgPath = findConfigFile()
		if cfgPath == "" {
			return fmt.Errorf("no config file found (try: ctxcache config validate <file>)")
		}
	}

	if _, err := config.LoadFromFile(cfgPath); err != nil {
		return fmt.Errorf("validation failed for %s:\n%w", cfgPath, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Config file %s is valid\n", cfgPath)
	return nil
}

// findConfigFile searches the default locations.
func findConfigFile() string {
	candidates := []string{"ctxcache.yaml", "ctxcache.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "ctxcache", "ctxcache.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	secrets, _ := cmd.Flags().GetBool("secrets")
	if !secrets {
		maskSecrets(cfg)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

const masked = "********"

func maskSecrets(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&cfg.Redis.Password)
	mask(&cfg.Qdrant.APIKey)
	mask(&cfg.Pinecone.APIKey)
	mask(&cfg.Embedding.APIKey)
	for i := range cfg.Auth.APIKeys {
		mask(&cfg.Auth.APIKeys[i])
	}
}
