package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/events"
)

// HistoryDatabase stores relay sessions, connectivity results and dropped
// peer instructions.
type HistoryDatabase struct {
	db *Store
}

// SessionRecord is one relay session.
type SessionRecord struct {
	ID           string        `json:"id"`
	GamePort     int           `json:"game_port"`
	Remote       string        `json:"remote"`
	Connectivity string        `json:"connectivity"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	Drops        int           `json:"drops"`
}

// PeerDropRecord is an instruction that was not forwarded to the game.
type PeerDropRecord struct {
	SessionID string    `json:"session_id"`
	PeerID    int32     `json:"peer_id"`
	Command   string    `json:"command"`
	Reason    string    `json:"reason"`
	DroppedAt time.Time `json:"dropped_at"`
}

// ConnectivityRecord is one probe result.
type ConnectivityRecord struct {
	State      string    `json:"state"`
	Address    string    `json:"address,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// historyMigrations is the history schema. Times are unix milliseconds.
// Rows arrive from asynchronous event handlers in any order, so there are
// no foreign keys and sessions are upserted.
var historyMigrations = []Migration{
	{
		Version: 1,
		Name:    "sessions, peer drops and connectivity results",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				game_port INTEGER NOT NULL DEFAULT 0,
				remote TEXT NOT NULL DEFAULT '',
				connectivity TEXT NOT NULL DEFAULT '',
				started_at INTEGER NOT NULL,
				ended_at INTEGER,
				reason TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS peer_drops (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				peer_id INTEGER NOT NULL,
				command TEXT NOT NULL,
				reason TEXT NOT NULL,
				dropped_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS connectivity_results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				state TEXT NOT NULL,
				address TEXT NOT NULL DEFAULT '',
				recorded_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
			CREATE INDEX IF NOT EXISTS idx_peer_drops_session ON peer_drops(session_id);
			CREATE INDEX IF NOT EXISTS idx_peer_drops_dropped_at ON peer_drops(dropped_at);
		`,
	},
	{
		Version: 2,
		Name:    "prune indexes",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
			CREATE INDEX IF NOT EXISTS idx_connectivity_recorded_at ON connectivity_results(recorded_at);
		`,
	},
}

// NewHistoryDatabase opens the database at dbPath and brings its schema
// up to date.
func NewHistoryDatabase(dbPath string) (*HistoryDatabase, error) {
	store, err := Open(dbPath, historyMigrations)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return &HistoryDatabase{db: store}, nil
}

// Close closes the underlying database.
func (h *HistoryDatabase) Close() error {
	return h.db.Close()
}

// RecordSessionStart stores a new session.
func (h *HistoryDatabase) RecordSessionStart(p events.SessionPayload, at time.Time) error {
	_, err := h.db.Exec(`
		INSERT INTO sessions (id, game_port, remote, connectivity, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			game_port = excluded.game_port,
			remote = excluded.remote,
			connectivity = excluded.connectivity,
			started_at = excluded.started_at
	`, p.SessionID, p.GamePort, p.Remote, p.Connectivity, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", p.SessionID, err)
	}
	return nil
}

// RecordSessionEnd marks a session as closed.
func (h *HistoryDatabase) RecordSessionEnd(p events.SessionPayload, at time.Time) error {
	_, err := h.db.Exec(`
		INSERT INTO sessions (id, game_port, started_at, ended_at, reason, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			reason = excluded.reason,
			duration_ms = excluded.duration_ms
	`, p.SessionID, p.GamePort, at.Add(-p.Duration).UnixMilli(), at.UnixMilli(), p.Reason, p.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record end of session %s: %w", p.SessionID, err)
	}
	return nil
}

// RecordPeerDrop stores a dropped instruction.
func (h *HistoryDatabase) RecordPeerDrop(p events.PeerDroppedPayload, at time.Time) error {
	_, err := h.db.Exec(
		"INSERT INTO peer_drops (session_id, peer_id, command, reason, dropped_at) VALUES (?, ?, ?, ?, ?)",
		p.SessionID, p.PeerID, p.Command, p.Reason, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record peer drop: %w", err)
	}
	return nil
}

// RecordConnectivity stores a probe result.
func (h *HistoryDatabase) RecordConnectivity(p events.ConnectivityPayload, at time.Time) error {
	_, err := h.db.Exec(
		"INSERT INTO connectivity_results (state, address, recorded_at) VALUES (?, ?, ?)",
		p.State, p.Address, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record connectivity: %w", err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (h *HistoryDatabase) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := h.db.Query(`
		SELECT s.id, s.game_port, s.remote, s.connectivity, s.started_at, s.ended_at,
			s.reason, s.duration_ms,
			(SELECT COUNT(*) FROM peer_drops d WHERE d.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started, durationMS int64
		var ended *int64
		if err := rows.Scan(&r.ID, &r.GamePort, &r.Remote, &r.Connectivity, &started, &ended,
			&r.Reason, &durationMS, &r.Drops); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if ended != nil {
			t := time.UnixMilli(*ended)
			r.EndedAt = &t
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// PeerDrops returns the dropped instructions of a session, oldest first.
func (h *HistoryDatabase) PeerDrops(sessionID string) ([]PeerDropRecord, error) {
	rows, err := h.db.Query(`
		SELECT session_id, peer_id, command, reason, dropped_at
		FROM peer_drops WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query peer drops: %w", err)
	}
	defer rows.Close()

	var out []PeerDropRecord
	for rows.Next() {
		var r PeerDropRecord
		var at int64
		if err := rows.Scan(&r.SessionID, &r.PeerID, &r.Command, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan peer drop: %w", err)
		}
		r.DroppedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Connectivity returns the most recent probe results, newest first.
func (h *HistoryDatabase) Connectivity(limit int) ([]ConnectivityRecord, error) {
	rows, err := h.db.Query(
		"SELECT state, address, recorded_at FROM connectivity_results ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connectivity results: %w", err)
	}
	defer rows.Close()

	var out []ConnectivityRecord
	for rows.Next() {
		var r ConnectivityRecord
		var at int64
		if err := rows.Scan(&r.State, &r.Address, &at); err != nil {
			return nil, fmt.Errorf("failed to scan connectivity result: %w", err)
		}
		r.RecordedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes everything recorded before the cutoff. Open sessions are kept.
func (h *HistoryDatabase) Prune(before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var total int64

	err := h.db.Transaction(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?",
			"DELETE FROM peer_drops WHERE dropped_at < ?",
			"DELETE FROM connectivity_results WHERE recorded_at < ?",
		} {
			res, err := tx.Exec(q, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	if total > 0 {
		if err := h.db.Checkpoint(); err != nil {
			log.Warn().Err(err).Msg("history checkpoint after prune failed")
		}
	}
	return total, nil
}

// Recorder writes bus events into a HistoryDatabase.
type Recorder struct {
	history *HistoryDatabase
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRecorder creates a recorder for history.
func NewRecorder(history *HistoryDatabase) *Recorder {
	return &Recorder{
		history: history,
		now:     time.Now,
		logger:  log.With().Str("component", "history").Logger(),
	}
}

// Attach subscribes the recorder to the events it stores.
func (r *Recorder) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventSessionStarted, "history", r.handle)
	bus.Subscribe(events.EventSessionClosed, "history", r.handle)
	bus.Subscribe(events.EventPeerDropped, "history", r.handle)
	bus.Subscribe(events.EventConnectivityChanged, "history", r.handle)
}

// Detach removes the recorder's subscriptions.
func (r *Recorder) Detach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventSessionStarted, events.EventSessionClosed,
		events.EventPeerDropped, events.EventConnectivityChanged,
	} {
		bus.Unsubscribe(t, "history")
	}
}

func (r *Recorder) handle(ctx context.Context, event events.Event) error {
	at := r.now()
	var err error

	switch p := event.Payload.(type) {
	case events.SessionPayload:
		if event.Type == events.EventSessionClosed {
			err = r.history.RecordSessionEnd(p, at)
		} else {
			err = r.history.RecordSessionStart(p, at)
		}
	case events.PeerDroppedPayload:
		err = r.history.RecordPeerDrop(p, at)
	case events.ConnectivityPayload:
		err = r.history.RecordConnectivity(p, at)
	default:
		r.logger.Debug().Str("event", string(event.Type)).Msgf("ignoring payload %T", event.Payload)
	}
	return err
}
