package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ListenerConfig tunes the LISTEN/NOTIFY relay.
type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // channel name to LISTEN on
	FallbackInterval time.Duration // poll cadence for missed notifications
	BatchSize        int           // max events fetched per drain
}

// DefaultListenerConfig returns production relay settings.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "decision_outbox_events",
		FallbackInterval: 30 * time.Second,
		BatchSize:        100,
	}
}

// Listener drains unpublished outbox rows to a Publisher, woken by
// Postgres notifications with a periodic poll as the safety net.
type Listener struct {
	db        *sql.DB
	listener  *pq.Listener
	publisher Publisher
	cfg       ListenerConfig
}

// NewListener sets up the pq listener on the configured channel.
func NewListener(db *sql.DB, publisher Publisher, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen on channel %s: %w", cfg.NotifyChannel, err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for decision outbox notifications")

	return &Listener{
		db:        db,
		listener:  l,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

// Start drains until ctx is cancelled. Pending rows are drained once at
// startup so events queued while the relay was down are not stranded until
// the next notification.
func (l *Listener) Start(ctx context.Context) error {
	defer l.listener.Close()

	if err := l.drain(ctx); err != nil {
		log.Error().Err(err).Msg("initial outbox drain failed")
	}

	ticker := time.NewTicker(l.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox listener shutting down")
			return nil
		case <-l.listener.Notify:
			if err := l.drain(ctx); err != nil {
				log.Error().Err(err).Msg("outbox drain failed")
			}
		case <-ticker.C:
			if err := l.drain(ctx); err != nil {
				log.Error().Err(err).Msg("outbox fallback drain failed")
			}
		}
	}
}

const fetchUnpublishedSQL = `
SELECT id, session_id, event_type, payload, created_at
FROM decision_outbox
WHERE published_at IS NULL
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`

// drain publishes every unpublished row, marking each published in the
// same transaction so a crashed relay re-delivers rather than loses.
func (l *Listener) drain(ctx context.Context) error {
	for {
		published, err := l.drainBatch(ctx)
		if err != nil {
			return err
		}
		if published < l.cfg.BatchSize {
			return nil
		}
	}
}

func (l *Listener) drainBatch(ctx context.Context) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fetchUnpublishedSQL, l.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox events: %w", err)
	}

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.SessionID, &event.EventType, &event.Payload, &event.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read outbox rows: %w", err)
	}

	for _, event := range events {
		if err := l.publisher.Publish(ctx, event); err != nil {
			// Leave the row unpublished; the next drain retries it.
			return 0, fmt.Errorf("failed to publish event %s: %w", event.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE decision_outbox SET published_at = NOW() WHERE id = $1", event.ID); err != nil {
			return 0, fmt.Errorf("failed to mark event published: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	if len(events) > 0 {
		log.Debug().Int("count", len(events)).Msg("outbox events relayed")
	}
	return len(events), nil
}
