package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/broker"
	"github.com/harun/conduit/pkg/llm"
	"github.com/spf13/cobra"
)

var (
	askStream  bool
	askModel   string
	askSchema  string
	askNoTools bool
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a one-shot prompt through the broker",
	Long: `Send a prompt to the configured model. Tool calls are resolved with the
builtin tools until the model answers or the iteration limit is reached.
With --schema the reply is validated against a JSON schema file and printed
as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the reply as it is generated")
	askCmd.Flags().StringVar(&askModel, "model", "", "model override")
	askCmd.Flags().StringVar(&askSchema, "schema", "", "JSON schema file for a structured reply")
	askCmd.Flags().BoolVar(&askNoTools, "no-tools", false, "do not offer builtin tools to the model")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	b, _, err := newBroker(cfg, logs.For("broker"))
	if err != nil {
		return err
	}

	req := broker.Request{
		Model:    cfg.LLM.Model,
		Messages: []llm.Message{llm.UserMessage(strings.Join(args, " "))},
		Config:   cfg.GenerationConfig(),
	}
	if askModel != "" {
		req.Model = askModel
	}
	if !askNoTools {
		if req.Tools, err = newTools(cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.NewRunContext(ctx)

	out := cmd.OutOrStdout()
	switch {
	case askSchema != "":
		return askObject(ctx, b, req, out)
	case askStream:
		chunks, err := b.Stream(ctx, req)
		if err != nil {
			return err
		}
		for res := range chunks {
			text, err := res.Unwrap()
			if err != nil {
				fmt.Fprintln(out)
				return err
			}
			fmt.Fprint(out, text)
		}
		fmt.Fprintln(out)
		return nil
	default:
		text, err := b.Generate(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	}
}

func askObject(ctx context.Context, b *broker.Broker, req broker.Request, out io.Writer) error {
	data, err := os.ReadFile(askSchema)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("invalid schema file: %w", err)
	}

	var reply interface{}
	if err := b.GenerateObject(ctx, req, schema, &reply); err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
