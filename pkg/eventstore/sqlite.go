package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/conduit/pkg/event"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SQLiteStore persists records to a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the store at path
func OpenSQLite(path string, logger *zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: log.Logger}
	if logger != nil {
		s.logger = *logger
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Event store opened")
	return s, nil
}

// initSchema creates database tables
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			agent TEXT,
			stage TEXT NOT NULL,
			error TEXT,
			payload TEXT,
			event_at INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	var payload []byte
	if rec.Event.Payload != nil {
		var err error
		payload, err = json.Marshal(rec.Event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (correlation_id, event_type, source, agent, stage, error, payload, event_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Event.CorrelationID,
		string(rec.Event.Type),
		rec.Event.Source,
		rec.Agent,
		string(rec.Stage),
		rec.Err,
		string(payload),
		rec.Event.Timestamp.UnixNano(),
		rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, source, agent, stage, error, payload, event_at, recorded_at
		FROM events
		WHERE correlation_id = ?
		ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			eventType, source, stage string
			agent, errText, payload  sql.NullString
			eventAt, recordedAt      int64
		)
		if err := rows.Scan(&eventType, &source, &agent, &stage, &errText, &payload, &eventAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		var raw json.RawMessage
		if payload.Valid && payload.String != "" {
			raw = json.RawMessage(payload.String)
		}
		decoded, err := event.DecodePayload(event.Type(eventType), raw)
		if err != nil {
			return nil, err
		}

		out = append(out, Record{
			Event: event.Event{
				Type:          event.Type(eventType),
				Source:        source,
				CorrelationID: correlationID,
				Timestamp:     time.Unix(0, eventAt),
				Payload:       decoded,
			},
			Agent: agent.String,
			Stage: Stage(stage),
			Err:   errText.String,
			At:    time.Unix(0, recordedAt),
		})
	}
	return out, rows.Err()
}

// Count returns the number of stored records
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.logger.Info().Msg("Closing event store")
	return s.db.Close()
}
