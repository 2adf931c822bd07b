package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/aggregator"
	"github.com/harun/conduit/pkg/dispatcher"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/eventstore"
	"github.com/harun/conduit/pkg/router"
	"github.com/spf13/cobra"
)

const (
	typePing          event.Type = "Ping"
	typePong          event.Type = "Pong"
	typeAck           event.Type = "Ack"
	typeRoundComplete event.Type = "RoundComplete"
)

var (
	runRounds  int
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Ping/Pong event demo",
	Long: `Run a self-contained demo of the event runtime. Each Ping is answered by a
Pong and an Ack; an aggregator joins the pair into a RoundComplete, and a
referee starts the next round or terminates the dispatcher. The recorded
event trace is printed at the end.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runRounds, "rounds", 3, "number of Ping rounds")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Second, "give up after this long")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runRounds < 1 {
		return fmt.Errorf("rounds must be at least 1")
	}

	cfg, err := loadConfigUnchecked()
	if err != nil {
		return err
	}
	logs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	store, err := openStore(cfg, logs.For("eventstore"))
	if err != nil {
		return err
	}
	if store == nil {
		store = eventstore.NewMemoryStore(0)
	}
	defer store.Close()

	r := pingPongRouter(runRounds)
	d := newDispatcher(cfg, r, store, logs.For("dispatcher"))

	finished := make(chan struct{})
	var once sync.Once
	d.On(dispatcher.HookTerminated, func(dispatcher.HookEvent) {
		once.Do(func() { close(finished) })
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	d.Start(ctx)
	defer d.Stop()

	first := d.Dispatch(event.Signal("cli", typePing))

	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("demo did not finish within %s", runTimeout)
	}

	records, err := store.ByCorrelation(ctx, first.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to read event trace: %w", err)
	}
	printTrace(cmd.OutOrStdout(), first.CorrelationID, records)
	return nil
}

// pingPongRouter wires the demo agents
func pingPongRouter(rounds int) *router.Router {
	r := router.New()

	r.AddRoute(typePing, agent.NewEcho("ponger", typePing, typePong))
	r.AddRoute(typePing, agent.NewEcho("acker", typePing, typeAck))

	joiner := aggregator.New("round", []event.Type{typePong, typeAck},
		aggregator.ProcessorFunc(func(ctx context.Context, events []event.Event) ([]event.Event, error) {
			return []event.Event{event.Signal("round", typeRoundComplete)}, nil
		}))
	r.AddRoute(typePong, joiner)
	r.AddRoute(typeAck, joiner)

	var (
		mu     sync.Mutex
		played = make(map[string]int)
	)
	r.AddRoute(typeRoundComplete, agent.Func("referee", func(ctx context.Context, ev event.Event) ([]event.Event, error) {
		mu.Lock()
		played[ev.CorrelationID]++
		n := played[ev.CorrelationID]
		mu.Unlock()

		if n < rounds {
			return []event.Event{ev.Derive("referee", event.Custom{Kind: typePing})}, nil
		}
		return []event.Event{ev.Derive("referee", event.Terminate{Reason: fmt.Sprintf("%d rounds played", n)})}, nil
	}))

	return r
}

func printTrace(out io.Writer, correlationID string, records []eventstore.Record) {
	fmt.Fprintf(out, "correlation %s\n", correlationID)
	for _, rec := range records {
		agentName := rec.Agent
		if agentName == "" {
			agentName = "-"
		}
		line := fmt.Sprintf("  %-10s %-14s %-8s %s", rec.Stage, rec.Event.Type, agentName, rec.Event.Source)
		if rec.Err != "" {
			line += " error=" + rec.Err
		}
		fmt.Fprintln(out, line)
	}
}
