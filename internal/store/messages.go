package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/errs"
)

// Message roles.
const (
	RoleAgent        = "agent"
	RoleUser         = "user"
	RoleAnnouncement = "announcement"
)

// Delivery statuses.
const (
	DeliveryUnread = "unread"
	DeliveryRead   = "read"
)

// MaxBodyBytes is the upper bound on a message body.
const MaxBodyBytes = 65536

// Message is one entry in the append-only message log. Messages are never
// mutated after insert except for delivery status.
type Message struct {
	ID             string            `json:"id"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	Role           string            `json:"role"`
	Body           string            `json:"body"`
	ThreadID       string            `json:"thread_id,omitempty"`
	EventType      string            `json:"event_type,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	DeliveryStatus string            `json:"delivery_status,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// InsertOptions carries the optional fields of an insert.
type InsertOptions struct {
	ThreadID  string
	EventType string
	Priority  *int
	Metadata  map[string]string
}

// identity folding for agent-id comparisons in queries. Agent ids are
// server-chosen ASCII in practice, but operator-typed filters arrive in
// whatever case the UI sent.
var foldCaser = cases.Fold()

func foldID(s string) string {
	return foldCaser.String(strings.TrimSuffix(s, "/"))
}

// Insert appends a message. The id and timestamp are chosen server-side.
// The message is durable before return; message:created is published after
// commit.
func (s *Store) Insert(sender, recipient, role, body string, opts InsertOptions) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errs.New(errs.CodeValidation, "message body is empty")
	}
	if len(body) > MaxBodyBytes {
		return nil, errs.New(errs.CodeValidation, "message body exceeds %d bytes", MaxBodyBytes)
	}
	if recipient == "" {
		return nil, errs.New(errs.CodeValidation, "message recipient is required")
	}
	switch role {
	case RoleAgent, RoleUser, RoleAnnouncement:
	default:
		return nil, errs.New(errs.CodeValidation, "unknown message role %q", role)
	}
	if opts.Priority != nil && (*opts.Priority < 0 || *opts.Priority > 4) {
		return nil, errs.New(errs.CodeValidation, "priority %d out of range 0..4", *opts.Priority)
	}

	m := &Message{
		ID:             uuid.NewString(),
		Sender:         sender,
		Recipient:      recipient,
		Role:           role,
		Body:           body,
		ThreadID:       opts.ThreadID,
		EventType:      opts.EventType,
		Priority:       opts.Priority,
		DeliveryStatus: DeliveryUnread,
		Metadata:       opts.Metadata,
		CreatedAt:      time.Now().UTC(),
	}

	var metadataJSON sql.NullString
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, errs.New(errs.CodeValidation, "metadata not serializable: %v", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	s.writeMu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO messages (id, sender, recipient, role, body, thread_id, event_type, priority, delivery_status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.Recipient, m.Role, m.Body,
		nullable(m.ThreadID), nullable(m.EventType), nullableInt(m.Priority),
		m.DeliveryStatus, metadataJSON, m.CreatedAt.Format(time.RFC3339Nano),
	)
	s.writeMu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("inserting message: %w", err))
	}

	s.publish(bus.EventMessageCreated, m)
	if m.Role == RoleAnnouncement {
		s.publish(bus.EventAnnouncement, m)
	}
	return m, nil
}

// ReadFilter selects messages for Read.
type ReadFilter struct {
	ThreadID string
	// AgentID matches messages sent by or addressed to the agent.
	AgentID string
	// Before is the exclusive pagination cursor: only messages strictly
	// older than (Before, BeforeID) are returned. Zero value = from newest.
	Before   time.Time
	BeforeID string
	Limit    int
}

const (
	defaultReadLimit = 50
	maxReadLimit     = 200
)

// Read returns messages newest-first. The cursor pair compare is strict, so
// the same cursor always yields the same page and no message spans two
// adjacent pages.
func (s *Store) Read(f ReadFilter) ([]*Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	var where []string
	var args []any
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.AgentID != "" {
		where = append(where, "(sender = ? OR recipient = ?)")
		args = append(args, f.AgentID, f.AgentID)
	}
	if !f.Before.IsZero() {
		cursor := f.Before.UTC().Format(time.RFC3339Nano)
		// Strict (created_at, id) pair compare breaks same-instant ties.
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursor, cursor, f.BeforeID)
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("reading messages: %w", err))
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Get returns a single message by id.
func (s *Store) Get(id string) (*Message, error) {
	rows, err := s.db.Query("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.New(errs.CodeNotFound, "message %s not found", id)
	}
	return msgs[0], nil
}

// MarkRead flips one message to read. Idempotent: marking an already-read
// message succeeds with no state change.
func (s *Store) MarkRead(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err := s.db.Exec("UPDATE messages SET delivery_status = ? WHERE id = ?", DeliveryRead, id)
	s.writeMu.Unlock()
	if err != nil {
		return errs.Wrap(errs.CodeStorage, fmt.Errorf("marking message read: %w", err))
	}
	s.publish(bus.EventMessageRead, map[string]string{"message_id": id})
	return nil
}

// MarkReadBulk flips every unread message addressed to agentID.
// Returns how many messages changed state.
func (s *Store) MarkReadBulk(agentID string) (int, error) {
	if agentID == "" {
		return 0, errs.New(errs.CodeValidation, "agent_id is required")
	}
	s.writeMu.Lock()
	res, err := s.db.Exec(
		"UPDATE messages SET delivery_status = ? WHERE recipient = ? AND delivery_status = ?",
		DeliveryRead, agentID, DeliveryUnread,
	)
	s.writeMu.Unlock()
	if err != nil {
		return 0, errs.Wrap(errs.CodeStorage, fmt.Errorf("bulk marking read: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.publish(bus.EventMessageRead, map[string]string{"agent_id": agentID})
	}
	return int(n), nil
}

// ThreadSummary is the derived view of a message thread.
type ThreadSummary struct {
	ThreadID        string    `json:"thread_id"`
	Count           int       `json:"count"`
	LatestBody      string    `json:"latest_body"`
	LatestCreatedAt time.Time `json:"latest_created_at"`
	AgentID         string    `json:"agent_id"`
}

// ListThreads enumerates threads, newest activity first. With agentID set,
// only threads the agent participates in are returned.
func (s *Store) ListThreads(agentID string) ([]*ThreadSummary, error) {
	query := `
		SELECT m.thread_id, COUNT(*) AS n, m2.body, m2.created_at, m2.sender
		FROM messages m
		JOIN messages m2 ON m2.rowid = (
			SELECT rowid FROM messages
			WHERE thread_id = m.thread_id
			ORDER BY created_at DESC, id DESC LIMIT 1
		)
		WHERE m.thread_id IS NOT NULL`
	var args []any
	if agentID != "" {
		query += ` AND m.thread_id IN (
			SELECT DISTINCT thread_id FROM messages
			WHERE thread_id IS NOT NULL AND (sender = ? OR recipient = ?)
		)`
		args = append(args, agentID, agentID)
	}
	query += " GROUP BY m.thread_id ORDER BY m2.created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("listing threads: %w", err))
	}
	defer rows.Close()

	var out []*ThreadSummary
	for rows.Next() {
		var t ThreadSummary
		var created string
		if err := rows.Scan(&t.ThreadID, &t.Count, &t.LatestBody, &created, &t.AgentID); err != nil {
			return nil, errs.Wrap(errs.CodeStorage, err)
		}
		t.LatestCreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Search runs a full-text query over message bodies, newest-first.
// Standard FTS5 syntax is accepted; a malformed query is a validation error.
func (s *Store) Search(query, agentID string, limit int) ([]*Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.CodeValidation, "search query is empty")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	sqlQuery := `
		SELECT ` + prefixedMessageColumns("m") + `
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`
	args := []any{query}
	if agentID != "" {
		sqlQuery += " AND (LOWER(m.sender) = ? OR LOWER(m.recipient) = ?)"
		folded := foldID(agentID)
		args = append(args, folded, folded)
	}
	sqlQuery += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		if strings.Contains(err.Error(), "fts5: syntax error") || strings.Contains(err.Error(), "malformed MATCH") {
			return nil, errs.New(errs.CodeValidation, "invalid search query: %v", err)
		}
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("searching messages: %w", err))
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnreadCount is the unread tally for one recipient.
type UnreadCount struct {
	AgentID string `json:"agent_id"`
	Count   int    `json:"count"`
}

// UnreadCounts tallies unread messages per recipient. With agentID set,
// only that recipient's count is returned (zero rows when fully read).
func (s *Store) UnreadCounts(agentID string) ([]*UnreadCount, error) {
	query := "SELECT recipient, COUNT(*) FROM messages WHERE delivery_status = ?"
	args := []any{DeliveryUnread}
	if agentID != "" {
		query += " AND recipient = ?"
		args = append(args, agentID)
	}
	query += " GROUP BY recipient ORDER BY recipient"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("counting unread: %w", err))
	}
	defer rows.Close()

	var out []*UnreadCount
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.AgentID, &c.Count); err != nil {
			return nil, errs.Wrap(errs.CodeStorage, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

const messageColumns = "id, sender, recipient, role, body, thread_id, event_type, priority, delivery_status, metadata_json, created_at"

func prefixedMessageColumns(alias string) string {
	cols := strings.Split(messageColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	out := []*Message{}
	for rows.Next() {
		var m Message
		var threadID, eventType, delivery, metadata sql.NullString
		var priority sql.NullInt64
		var created string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Role, &m.Body,
			&threadID, &eventType, &priority, &delivery, &metadata, &created); err != nil {
			return nil, errs.Wrap(errs.CodeStorage, err)
		}
		m.ThreadID = threadID.String
		m.EventType = eventType.String
		m.DeliveryStatus = delivery.String
		if priority.Valid {
			p := int(priority.Int64)
			m.Priority = &p
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeStorage, err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
