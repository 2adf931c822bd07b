package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/conduit/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard that writes the Conduit config file.
It asks for the LLM provider, API key and model, the event store and the
stream server secret. Schedules, webhooks and lifecycle hooks already in an
existing file are kept.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if path == "" {
		return errors.New("cannot resolve the config file location")
	}

	previous, err := existingConfig(loader, path)
	if err != nil {
		return err
	}
	if previous != nil {
		fmt.Fprintf(out, "Updating %s\n\n", path)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), out).
		WithDataDir(filepath.Dir(path)).
		Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if previous != nil {
		cfg.Schedules = previous.Schedules
		cfg.Webhooks = previous.Webhooks
		cfg.Hooks = previous.Hooks
		cfg.Tools = previous.Tools
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", path)
	fmt.Fprintf(out, "Start the runtime with: conduit serve --config %s\n", path)
	return nil
}

// existingConfig loads the file at path, or returns nil when there is none
func existingConfig(loader *config.Loader, path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to read existing configuration: %w", err)
	}
	return cfg, nil
}
