package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL,
		kind TEXT NOT NULL,
		thread TEXT,
		channel TEXT,
		is_broadcast INTEGER NOT NULL DEFAULT 0,
		is_urgent INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		data TEXT,
		meta TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_to_ts ON messages(recipient, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_from_ts ON messages(sender, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_ts ON messages(thread, ts);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		cli TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		summary TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		closed_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_started ON sessions(agent_name, started_at DESC);

	CREATE TABLE IF NOT EXISTS agent_summaries (
		agent_name TEXT PRIMARY KEY,
		project_id TEXT,
		last_updated INTEGER NOT NULL,
		current_task TEXT,
		completed_tasks TEXT,
		decisions TEXT,
		context TEXT,
		files TEXT
	);

	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		cli TEXT,
		team TEXT,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		messages_received INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attachments_created ON attachments(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage persists a new message with its current status.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	metaJSON, err := json.Marshal(msg.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}

	var dataJSON interface{}
	if len(msg.Data) > 0 {
		dataJSON = string(msg.Data)
	}

	return s.withWriteRetry(ctx, "append message", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, ts, sender, recipient, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.Timestamp.UnixMilli(), msg.From, msg.To, msg.Body, string(msg.Kind),
			nullableString(msg.Thread), nullableString(msg.Channel),
			boolToInt(msg.IsBroadcast), boolToInt(msg.Meta.Importance >= 8),
			string(msg.Status), dataJSON, string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// UpdateStatus transitions a message's delivery status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	return s.withWriteRetry(ctx, "update message status", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
}

func scanMessage(row interface {
	Scan(dest ...any) error
}) (*domain.Message, error) {
	var m domain.Message
	var kind, thread, channel, status, metaJSON string
	var dataJSON sql.NullString
	var ts int64
	var isBroadcast, isUrgent int

	err := row.Scan(&m.ID, &ts, &m.From, &m.To, &m.Body, &kind, &thread, &channel,
		&isBroadcast, &isUrgent, &status, &dataJSON, &metaJSON)
	if err != nil {
		return nil, err
	}

	m.Timestamp = time.UnixMilli(ts).UTC()
	m.Kind = domain.MessageKind(kind)
	m.Thread = thread
	m.Channel = channel
	m.IsBroadcast = isBroadcast != 0
	m.Status = domain.DeliveryStatus(status)
	if dataJSON.Valid {
		m.Data = json.RawMessage(dataJSON.String)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &m.Meta)
	}
	return &m, nil
}

// GetMessageByID retrieves a single message, or nil if not found.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, sender, recipient, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

// GetMessages returns messages matching filter, newest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, filter MessageFilter) ([]*domain.Message, error) {
	var where []string
	var args []any

	if filter.From != "" {
		where = append(where, "sender = ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "recipient = ?")
		args = append(args, filter.To)
	}
	if filter.Thread != "" {
		where = append(where, "thread = ?")
		args = append(args, filter.Thread)
	}
	if filter.Search != "" {
		where = append(where, "body LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, ts, sender, recipient, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close messages rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Conversations returns distinct (from, to) pairs seen in history.
func (s *SQLiteStore) Conversations(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sender, recipient FROM messages ORDER BY sender, recipient`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][2]string
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, [2]string{from, to})
	}
	return out, rows.Err()
}

// OpenSession records the start of a new agent session.
func (s *SQLiteStore) OpenSession(ctx context.Context, session *domain.Session) error {
	return s.withWriteRetry(ctx, "open session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_name, cli, started_at, ended_at, summary, message_count, closed_by)
			VALUES (?, ?, ?, ?, NULL, '', 0, NULL)`,
			session.ID, session.AgentName, session.CLI, session.StartedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		return nil
	})
}

// EndSession closes an active session with a summary and close reason.
func (s *SQLiteStore) EndSession(ctx context.Context, id, summary string, closedBy domain.ClosedBy) error {
	return s.withWriteRetry(ctx, "end session", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET ended_at = ?, summary = ?, closed_by = ?
			WHERE id = ? AND ended_at IS NULL`,
			time.Now().UTC().UnixMilli(), summary, string(closedBy), id)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		return nil
	})
}

// EndSessionsForAgent closes every still-active session for an agent.
func (s *SQLiteStore) EndSessionsForAgent(ctx context.Context, agentName string, closedBy domain.ClosedBy) error {
	return s.withWriteRetry(ctx, "end sessions for agent", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET ended_at = ?, closed_by = ?
			WHERE agent_name = ? AND ended_at IS NULL`,
			time.Now().UTC().UnixMilli(), string(closedBy), agentName)
		if err != nil {
			return fmt.Errorf("end sessions for agent: %w", err)
		}
		return nil
	})
}

// GetSessions returns sessions matching filter, most-recently-started first.
func (s *SQLiteStore) GetSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	var where []string
	var args []any
	if filter.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, agent_name, cli, started_at, ended_at, summary, message_count, closed_by FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var startedAt int64
		var endedAt sql.NullInt64
		var closedBy sql.NullString

		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.CLI, &startedAt, &endedAt,
			&sess.Summary, &sess.MessageCount, &closedBy); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startedAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			sess.EndedAt = &t
		}
		if closedBy.Valid {
			sess.ClosedBy = domain.ClosedBy(closedBy.String)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpsertAgent creates or updates an agent's durable record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.AgentRecord) error {
	return s.withWriteRetry(ctx, "upsert agent", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (name, cli, team, first_seen, last_seen, messages_sent, messages_received)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				cli = excluded.cli,
				team = excluded.team,
				last_seen = excluded.last_seen,
				messages_sent = excluded.messages_sent,
				messages_received = excluded.messages_received`,
			agent.Name, agent.CLI, agent.Team,
			agent.FirstSeen.UnixMilli(), agent.LastSeen.UnixMilli(),
			agent.MessagesSent, agent.MessagesReceived)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// GetAgents returns every known agent record.
func (s *SQLiteStore) GetAgents(ctx context.Context) ([]*domain.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, cli, team, first_seen, last_seen, messages_sent, messages_received FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.AgentRecord
	for rows.Next() {
		var a domain.AgentRecord
		var firstSeen, lastSeen int64
		if err := rows.Scan(&a.Name, &a.CLI, &a.Team, &firstSeen, &lastSeen, &a.MessagesSent, &a.MessagesReceived); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		a.FirstSeen = time.UnixMilli(firstSeen).UTC()
		a.LastSeen = time.UnixMilli(lastSeen).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpsertSummary overwrites an agent's running summary wholesale.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, summary *domain.AgentSummary) error {
	completed, err := json.Marshal(summary.CompletedTasks)
	if err != nil {
		return fmt.Errorf("marshal completed tasks: %w", err)
	}
	decisions, err := json.Marshal(summary.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	files, err := json.Marshal(summary.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	return s.withWriteRetry(ctx, "upsert summary", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_summaries (agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_name) DO UPDATE SET
				project_id = excluded.project_id,
				last_updated = excluded.last_updated,
				current_task = excluded.current_task,
				completed_tasks = excluded.completed_tasks,
				decisions = excluded.decisions,
				context = excluded.context,
				files = excluded.files`,
			summary.AgentName, summary.ProjectID, summary.LastUpdated.UnixMilli(),
			summary.CurrentTask, string(completed), string(decisions), summary.Context, string(files))
		if err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}
		return nil
	})
}

// GetSummary retrieves an agent's current summary, or nil if none.
func (s *SQLiteStore) GetSummary(ctx context.Context, agentName string) (*domain.AgentSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files
		FROM agent_summaries WHERE agent_name = ?`, agentName)

	var sum domain.AgentSummary
	var lastUpdated int64
	var completed, decisions, files string

	err := row.Scan(&sum.AgentName, &sum.ProjectID, &lastUpdated, &sum.CurrentTask, &completed, &decisions, &sum.Context, &files)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}

	sum.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	_ = json.Unmarshal([]byte(completed), &sum.CompletedTasks)
	_ = json.Unmarshal([]byte(decisions), &sum.Decisions)
	_ = json.Unmarshal([]byte(files), &sum.Files)

	return &sum, nil
}

// PutAttachment persists an attachment record.
func (s *SQLiteStore) PutAttachment(ctx context.Context, att *domain.Attachment) error {
	return s.withWriteRetry(ctx, "put attachment", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO attachments (id, filename, mime_type, size, path, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			att.ID, att.Filename, att.MIMEType, att.Size, att.Path, att.Created.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return nil
	})
}

// GetAttachment retrieves an attachment record by id.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, filename, mime_type, size, path, created_at FROM attachments WHERE id = ?`, id)
	var att domain.Attachment
	var createdAt int64
	err := row.Scan(&att.ID, &att.Filename, &att.MIMEType, &att.Size, &att.Path, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	att.Created = time.UnixMilli(createdAt).UTC()
	return &att, nil
}

// ExpiredAttachments returns attachments older than retention.
func (s *SQLiteStore) ExpiredAttachments(ctx context.Context, retention time.Duration) ([]*domain.Attachment, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id, filename, mime_type, size, path, created_at FROM attachments WHERE created_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		var createdAt int64
		if err := rows.Scan(&att.ID, &att.Filename, &att.MIMEType, &att.Size, &att.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expired attachment row: %w", err)
		}
		att.Created = time.UnixMilli(createdAt).UTC()
		out = append(out, &att)
	}
	return out, rows.Err()
}

// DeleteAttachment removes an attachment record.
func (s *SQLiteStore) DeleteAttachment(ctx context.Context, id string) error {
	return s.withWriteRetry(ctx, "delete attachment", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete attachment: %w", err)
		}
		return nil
	})
}

// MarkSessionsEndedOnRecovery ends every still-open session at daemon
// startup, per the crash-recovery contract: no message is replayed since
// reconnecting agents re-HELLO into a fresh session.
func (s *SQLiteStore) MarkSessionsEndedOnRecovery(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withWriteRetry(ctx, "mark sessions ended on recovery", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET ended_at = ?, closed_by = ? WHERE ended_at IS NULL`,
			time.Now().UTC().UnixMilli(), string(domain.ClosedByError))
		if err != nil {
			return fmt.Errorf("mark sessions ended: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// withWriteRetry serializes writes behind a mutex (WAL still allows a
// single writer at a time) and retries on SQLITE_BUSY/locked with
// exponential backoff, the same shape as the reference DeleteAgentSession.
func (s *SQLiteStore) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetrySQLite(ctx, op, 3, 100*time.Millisecond, fn)
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
