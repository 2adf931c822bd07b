package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Wizard asks for the gateway settings and returns a config built on the
// defaults
type Wizard struct {
	reader  *bufio.Reader
	out     io.Writer
	dataDir string
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// WithDataDir sets the directory file defaults are offered under. The
// default is ~/.conduit.
func (w *Wizard) WithDataDir(dir string) *Wizard {
	w.dataDir = dir
	return w
}

func (w *Wizard) defaultDataDir() string {
	if w.dataDir != "" {
		return w.dataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Conduit Configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for {
		provider, err := w.ask("Provider (openai, anthropic, echo)", cfg.LLM.Provider)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.LLM.Provider = provider
		break
	}

	switch cfg.LLM.Provider {
	case "echo":
		cfg.LLM.Model = "echo"
	case "anthropic":
		cfg.LLM.Model = "claude-sonnet-4-5"
	}

	for cfg.LLM.Provider != "echo" {
		key, err := w.ask("API key", "")
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(key, cfg.LLM.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.LLM.APIKey = key
		break
	}

	model, err := w.ask("Model", cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	cfg.LLM.Model = model

	for {
		driver, err := w.ask("Event store (off, memory, sqlite)", cfg.EventStore.Driver)
		if err != nil {
			return nil, err
		}
		if !oneOf(driver, validStoreDriver) {
			fmt.Fprintf(w.out, "Error: invalid event store driver: %s\n", driver)
			continue
		}
		cfg.EventStore.Driver = driver
		break
	}

	if cfg.EventStore.Driver == "sqlite" {
		path, err := w.ask("Event store database file", filepath.Join(w.defaultDataDir(), "events.db"))
		if err != nil {
			return nil, err
		}
		cfg.EventStore.Path = path
	}

	secret, err := w.ask("Stream server shared secret (press Enter for none)", "")
	if err != nil {
		return nil, err
	}
	cfg.Server.SharedSecret = secret

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete.")
	return cfg, nil
}

// ask prints a prompt and returns the trimmed answer or def when empty
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
