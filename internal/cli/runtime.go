package cli

import (
	"fmt"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/pkg/dispatcher"
	"github.com/harun/conduit/pkg/eventstore"
	"github.com/harun/conduit/pkg/router"
	"github.com/rs/zerolog"
)

// openStore opens the event store selected by cfg. The off driver yields a
// nil store.
func openStore(cfg *config.Config, logger zerolog.Logger) (eventstore.Store, error) {
	switch cfg.EventStore.Driver {
	case "", "off":
		return nil, nil
	case "memory":
		return eventstore.NewMemoryStore(cfg.EventStore.Limit), nil
	case "sqlite":
		store, err := eventstore.OpenSQLite(cfg.EventStore.Path, &logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown event store driver: %s", cfg.EventStore.Driver)
	}
}

// newDispatcher builds a dispatcher over r that records into store
func newDispatcher(cfg *config.Config, r *router.Router, store eventstore.Store, logger zerolog.Logger) *dispatcher.Dispatcher {
	dcfg := dispatcher.DefaultConfig()
	dcfg.Router = r
	dcfg.BatchSize = cfg.Dispatcher.BatchSize
	dcfg.IdleInterval = cfg.Dispatcher.IdleInterval()
	dcfg.PollInterval = cfg.Dispatcher.PollInterval()
	dcfg.Logger = &logger
	dcfg.Recorder = store
	return dispatcher.New(dcfg)
}
