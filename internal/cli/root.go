package cli

import (
	"fmt"
	"time"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/pkg/broker"
	"github.com/harun/conduit/pkg/coretools"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - event-driven LLM orchestration",
	Long: `Conduit is an event-driven orchestration runtime for LLM agents. It routes
events between agents through a queueing dispatcher and brokers model calls
with bounded tool loops, structured output and streaming.`,
	Version:      version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the conduit version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "conduit version %s\n", version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conduit/conduit.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
	rootCmd.AddCommand(versionCmd)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the config, applying the --log-level flag
func loadConfig() (*config.Config, error) {
	cfg, err := loadConfigUnchecked()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigUnchecked loads the config without validating it, for commands
// that never reach the gateway
func loadConfigUnchecked() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// setupLogging installs the process logger described by cfg
func setupLogging(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

// newBroker builds the gateway and broker for cfg
func newBroker(cfg *config.Config, log zerolog.Logger) (*broker.Broker, llm.Gateway, error) {
	gateway, err := llm.NewGateway(cfg.Profile())
	if err != nil {
		return nil, nil, err
	}

	b := broker.New(gateway,
		broker.WithMaxToolIterations(cfg.Broker.MaxToolIterations),
		broker.WithRetry(cfg.Broker.MaxRetries, cfg.Broker.RetryBaseDelay()),
		broker.WithLogger(log),
	)
	return b, gateway, nil
}

// newTools returns the builtin tools enabled by cfg
func newTools(cfg *config.Config) ([]tool.Tool, error) {
	return coretools.Tools(coretools.Options{
		WorkspaceRoot: cfg.Tools.Workspace,
		ReadOnly:      cfg.Tools.ReadOnly,
	})
}
