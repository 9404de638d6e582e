// Package store is the namespaced key/value façade over an embedded SQL
// database described in spec 4.2. It is backed by a single SQLite
// connection in WAL mode (reads and writes alike run one at a time),
// adapted from the teacher's internal/database.ConnectionPool
// (Postgres-application pool with prometheus metrics and slow-query
// logging) down to the single-file embedded case this kernel needs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
)

// nowMillis returns the current wall-clock time as unsigned milliseconds
// since the epoch — spec 9: "specify 64-bit milliseconds throughout the
// core and convert at the boundary only."
func nowMillis() int64 { return time.Now().UnixMilli() }

// Record mirrors the spec 3 PluginRecord fields the Store persists.
type Record struct {
	PluginID    string
	Name        string
	Version     string
	Description string
	Author      string
	Enabled     bool
	LoadedAt    int64
	LastActive  int64
	Config      json.RawMessage
}

// Metrics are the Store's prometheus instruments, adapted from the
// teacher's PoolMetrics (internal/database/pool.go) down to the histogram
// and counters a single embedded-SQLite handle actually needs.
type Metrics struct {
	queryDuration prometheus.Histogram
	queryErrors   prometheus.Counter
	slowQueries   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernel_store_query_duration_seconds",
			Help:    "Store operation duration.",
			Buckets: prometheus.DefBuckets,
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_store_query_errors_total",
			Help: "Total Store operation errors.",
		}),
		slowQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_store_slow_queries_total",
			Help: "Total Store operations exceeding the slow-query threshold.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queryDuration, m.queryErrors, m.slowQueries)
	}
	return m
}

const slowQueryThreshold = 200 * time.Millisecond

// Store is the embedded relational store. It is safe for concurrent use;
// MaxOpenConns(1) serializes every operation, reads included, on one
// connection (spec 4.2 "Concurrency").
type Store struct {
	db      *sqlx.DB
	metrics *Metrics
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(path string, reg prometheus.Registerer) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	// A single connection avoids SQLITE_BUSY under WAL; it also means a
	// read waits for any operation already using the connection.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	if err := applyMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreCorrupt, err)}
	}

	return &Store{db: sqlx.NewDb(sqlDB, "sqlite3"), metrics: newMetrics(reg)}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) timed(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	s.metrics.queryDuration.Observe(d.Seconds())
	if d > slowQueryThreshold {
		s.metrics.slowQueries.Inc()
	}
	if err != nil && err != sql.ErrNoRows {
		s.metrics.queryErrors.Inc()
	}
	return err
}

// Put upserts a namespaced key/value pair (spec 4.2 put).
func (s *Store) Put(ctx context.Context, pluginID, key string, value json.RawMessage) error {
	now := nowMillis()
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugin_data (plugin_id, key, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, pluginID, key, string(value), now, now)
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// Get returns the value for (pluginID, key). Absence is not an error: it
// is reported as (nil, false, nil).
func (s *Store) Get(ctx context.Context, pluginID, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &value, `SELECT value FROM plugin_data WHERE plugin_id = ? AND key = ?`, pluginID, key)
	})
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	return json.RawMessage(value), true, nil
}

// Delete removes (pluginID, key), reporting whether it existed. Idempotent.
func (s *Store) Delete(ctx context.Context, pluginID, key string) (bool, error) {
	var existed bool
	err := s.timed(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_id = ? AND key = ?`, pluginID, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		existed = n > 0
		return err
	})
	if err != nil {
		return false, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	return existed, nil
}

// ListKeys returns every key owned by pluginID, ascending.
func (s *Store) ListKeys(ctx context.Context, pluginID string) ([]string, error) {
	var keys []string
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &keys, `SELECT key FROM plugin_data WHERE plugin_id = ? ORDER BY key ASC`, pluginID)
	})
	if err != nil {
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// RecordPlugin idempotently upserts a plugin's metadata row.
func (s *Store) RecordPlugin(ctx context.Context, r Record) error {
	cfg := r.Config
	if cfg == nil {
		cfg = json.RawMessage("{}")
	}
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugin_metadata (plugin_id, name, version, description, author, enabled, loaded_at, last_active, config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(plugin_id) DO UPDATE SET
				name = excluded.name, version = excluded.version, description = excluded.description,
				author = excluded.author, enabled = excluded.enabled, last_active = excluded.last_active,
				config = excluded.config
		`, r.PluginID, r.Name, r.Version, r.Description, r.Author, r.Enabled, r.LoadedAt, r.LastActive, string(cfg))
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// GetPlugin returns a plugin's persisted metadata row.
func (s *Store) GetPlugin(ctx context.Context, pluginID string) (Record, bool, error) {
	type row struct {
		PluginID    string `db:"plugin_id"`
		Name        string `db:"name"`
		Version     string `db:"version"`
		Description string `db:"description"`
		Author      string `db:"author"`
		Enabled     bool   `db:"enabled"`
		LoadedAt    int64  `db:"loaded_at"`
		LastActive  int64  `db:"last_active"`
		Config      string `db:"config"`
	}
	var rr row
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &rr, `SELECT * FROM plugin_metadata WHERE plugin_id = ?`, pluginID)
	})
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	return Record{
		PluginID: rr.PluginID, Name: rr.Name, Version: rr.Version, Description: rr.Description,
		Author: rr.Author, Enabled: rr.Enabled, LoadedAt: rr.LoadedAt, LastActive: rr.LastActive,
		Config: json.RawMessage(rr.Config),
	}, true, nil
}

// TouchPlugin updates a plugin's last_active timestamp to now.
func (s *Store) TouchPlugin(ctx context.Context, pluginID string) error {
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE plugin_metadata SET last_active = ? WHERE plugin_id = ?`, nowMillis(), pluginID)
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// RecordSubscription idempotently records (pluginID, topic).
func (s *Store) RecordSubscription(ctx context.Context, pluginID, topic string) error {
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugin_subscriptions (plugin_id, topic, subscribed_at) VALUES (?, ?, ?)
			ON CONFLICT(plugin_id, topic) DO NOTHING
		`, pluginID, topic, nowMillis())
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// ForgetSubscription idempotently removes (pluginID, topic).
func (s *Store) ForgetSubscription(ctx context.Context, pluginID, topic string) error {
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_subscriptions WHERE plugin_id = ? AND topic = ?`, pluginID, topic)
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// ForgetAllSubscriptions drops every subscription for a plugin, used on
// unload (spec 4.2 "subscriptions are dropped on plugin unload").
func (s *Store) ForgetAllSubscriptions(ctx context.Context, pluginID string) error {
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_subscriptions WHERE plugin_id = ?`, pluginID)
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// Subscriptions returns every topic a plugin has subscribed to, used to
// restore Bus subscription state across a restart (spec 3: "Subscription
// set... survive plugin restart").
func (s *Store) Subscriptions(ctx context.Context, pluginID string) ([]string, error) {
	var topics []string
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &topics, `SELECT topic FROM plugin_subscriptions WHERE plugin_id = ?`, pluginID)
	})
	if err != nil {
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	return topics, nil
}

// AllSubscriptions returns the full (pluginID, topic) table, used to
// rebuild the Bus's subscriber index at startup.
func (s *Store) AllSubscriptions(ctx context.Context) (map[string][]string, error) {
	type row struct {
		PluginID string `db:"plugin_id"`
		Topic    string `db:"topic"`
	}
	var rows []row
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, `SELECT plugin_id, topic FROM plugin_subscriptions`)
	})
	if err != nil {
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	out := map[string][]string{}
	for _, r := range rows {
		out[r.Topic] = append(out[r.Topic], r.PluginID)
	}
	return out, nil
}

// RecordMessage optionally persists a delivery-debug log line (spec 4.2:
// "Optional; debug only").
func (s *Store) RecordMessage(ctx context.Context, messageID, from, to string, payload []byte, messageType, status string, createdAt int64, deliveredAt *int64) error {
	return s.timed(ctx, func(ctx context.Context) error {
		var delivered any
		if deliveredAt != nil {
			delivered = *deliveredAt
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_log (message_id, sender, recipient, payload, message_type, status, created_at, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET status = excluded.status, delivered_at = excluded.delivered_at
		`, messageID, from, to, payload, messageType, status, createdAt, delivered)
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// SaveLayout upserts a named dashboard layout. The out-of-scope dashboard
// shell is the only reader of this data; the kernel persists it verbatim
// without interpreting it (spec §6's "save/list/apply dashboard layouts").
func (s *Store) SaveLayout(ctx context.Context, name string, layout json.RawMessage) error {
	return s.timed(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dashboard_layouts (name, layout, saved_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET layout = excluded.layout, saved_at = excluded.saved_at
		`, name, string(layout), nowMillis())
		if err != nil {
			return &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
		}
		return nil
	})
}

// GetLayout returns a previously saved dashboard layout by name.
func (s *Store) GetLayout(ctx context.Context, name string) (json.RawMessage, bool, error) {
	var layout string
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &layout, `SELECT layout FROM dashboard_layouts WHERE name = ?`, name)
	})
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	return json.RawMessage(layout), true, nil
}

// ListLayouts returns every saved layout name, ascending.
func (s *Store) ListLayouts(ctx context.Context) ([]string, error) {
	var names []string
	err := s.timed(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &names, `SELECT name FROM dashboard_layouts ORDER BY name ASC`)
	})
	if err != nil {
		return nil, &kernelerr.StoreError{Err: fmt.Errorf("%w: %v", kernelerr.ErrStoreUnavailable, err)}
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
