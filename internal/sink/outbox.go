package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"    // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/ahrav/go-avs/pkg/events"
)

// Dialect selects placeholder syntax and driver name for the outbox.
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite with ? placeholders.
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres uses lib/pq with $n placeholders.
	DialectPostgres Dialect = "postgres"
)

const outboxColumns = "id, idempotency_key, event_type, source, version, subject, sequence, occurred_at, payload"

// OpenDB opens a database handle for the dialect's driver.
func OpenDB(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported outbox dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s outbox: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLOutbox stores every envelope once, keyed by idempotency key. Each row gets
// an insertion position that relays page by; engine sequences restart with
// the process and host events carry none.
type SQLOutbox struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLOutbox creates the outbox table if needed.
func NewSQLOutbox(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLOutbox, error) {
	o := &SQLOutbox{db: db, dialect: dialect}
	if err := o.migrate(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Record is a stored envelope with its outbox position.
type Record struct {
	Position uint64
	events.Envelope
}

func (o *SQLOutbox) migrate(ctx context.Context) error {
	position := "position INTEGER PRIMARY KEY AUTOINCREMENT"
	if o.dialect == DialectPostgres {
		position = "position BIGSERIAL PRIMARY KEY"
	}
	query := `
	CREATE TABLE IF NOT EXISTS avs_events (
		` + position + `,
		id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		version TEXT NOT NULL,
		subject TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		occurred_at TEXT NOT NULL,
		payload TEXT NOT NULL
	)`
	if _, err := o.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (o *SQLOutbox) rebind(query string) string {
	if o.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append implements events.EventSink. Redelivered envelopes are ignored.
func (o *SQLOutbox) Append(ctx context.Context, env events.Envelope) error {
	query := o.rebind(`INSERT INTO avs_events (` + outboxColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (idempotency_key) DO NOTHING`)

	_, err := o.db.ExecContext(ctx, query,
		env.ID,
		env.IdempotencyKey,
		env.Type,
		env.Source,
		env.Version,
		env.Subject,
		int64(env.Sequence),
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		string(env.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", env.Type, err)
	}
	return nil
}

// MaxSequence returns the highest engine sequence stored, or zero for an
// empty outbox. A restarted coordinator continues numbering after it.
func (o *SQLOutbox) MaxSequence(ctx context.Context) (uint64, error) {
	var seq int64
	err := o.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM avs_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read outbox max sequence: %w", err)
	}
	return uint64(seq), nil
}

// List returns up to limit records with position greater than after, in
// insertion order.
func (o *SQLOutbox) List(ctx context.Context, after uint64, limit int) ([]Record, error) {
	query := o.rebind(`SELECT position, ` + outboxColumns + ` FROM avs_events
	WHERE position > ? ORDER BY position ASC LIMIT ?`)

	rows, err := o.db.QueryContext(ctx, query, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			position   int64
			seq        int64
			occurredAt string
			payload    string
		)
		env := &rec.Envelope
		if err := rows.Scan(&position, &env.ID, &env.IdempotencyKey, &env.Type, &env.Source, &env.Version,
			&env.Subject, &seq, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", occurredAt, err)
		}
		rec.Position = uint64(position)
		env.Sequence = uint64(seq)
		env.Timestamp = ts
		env.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
