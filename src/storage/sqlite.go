package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/utils"

	_ "modernc.org/sqlite"
)

const sqliteBatchSize = 100

// -----------------------------------------------------------------------------

// SQLiteFeedStore treats append-only SQLite tables as feeds. Subscriptions
// poll for rows past the highest rowid seen.
type SQLiteFeedStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger

	collections  collections
	pollInterval time.Duration
}

// -----------------------------------------------------------------------------

func NewSQLiteFeedStore(cfg *models.MConfig, log *logger.Logger) (*SQLiteFeedStore, error) {
	cols, err := newCollections(cfg.Pipeline.Sources)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewLogger(cfg, "SQLiteFeedStore")
	}
	interval := time.Duration(cfg.Storage.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &SQLiteFeedStore{
		Config:       cfg,
		Logger:       log,
		collections:  cols,
		pollInterval: interval,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteFeedStore) Initialize(ctx context.Context) error {
	dsn := d.Config.Storage.DBPath
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return helpers.NewDatabaseError("failed to create sqlite directory", err)
		}
	}

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return helpers.NewDatabaseError("failed to open sqlite", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return helpers.NewDatabaseError("failed to reach sqlite", err)
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		d.Logger.Warning("Failed to set busy timeout: %v", err)
	}

	return d.ensureTables(ctx)
}

// -----------------------------------------------------------------------------

// ensureTables creates the feed tables the relay reads. Existing data is kept.
func (d *SQLiteFeedStore) ensureTables(ctx context.Context) error {
	tables := map[string]bool{}
	for _, t := range d.collections {
		tables[t] = true
	}
	modeTable, _ := d.collections.modeTable()
	tables[modeTable] = true

	for t := range tables {
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
		`, t)
		if _, err := d.DB.ExecContext(ctx, query); err != nil {
			return helpers.NewDatabaseError(fmt.Sprintf("failed to create %s", t), err)
		}
	}

	d.Logger.Info("SQLite feed store ready (%d tables)", len(tables))
	return nil
}

// -----------------------------------------------------------------------------

// Append inserts a raw document into the collection of source.
func (d *SQLiteFeedStore) Append(ctx context.Context, source models.SourceName, document []byte) error {
	table, err := d.collections.table(source)
	if err != nil {
		return err
	}
	return d.appendTo(ctx, table, document)
}

func (d *SQLiteFeedStore) appendTo(ctx context.Context, table string, document []byte) error {
	query := fmt.Sprintf("INSERT INTO %s (document, created_at) VALUES (?, ?)", table)
	if _, err := d.DB.ExecContext(ctx, query, string(document), time.Now().UTC().UnixMilli()); err != nil {
		return helpers.NewDatabaseError(fmt.Sprintf("failed to insert into %s", table), err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteFeedStore) WriteMode(ctx context.Context, mode string) error {
	table, _ := d.collections.modeTable()
	doc, err := utils.ModeDocument(mode, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	return d.appendTo(ctx, table, doc)
}

// -----------------------------------------------------------------------------

func (d *SQLiteFeedStore) QueryLatestRecord(ctx context.Context, source models.SourceName) (map[string]interface{}, error) {
	table, err := d.collections.table(source)
	if err != nil {
		return nil, err
	}

	var raw string
	query := fmt.Sprintf("SELECT document FROM %s ORDER BY id DESC LIMIT 1", table)
	err = d.DB.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, helpers.NewDatabaseError(fmt.Sprintf("failed to query latest %s", table), err)
	}
	return utils.DecodeDocument([]byte(raw))
}

// -----------------------------------------------------------------------------

// Subscribe starts after the newest existing row: only later inserts are seen.
func (d *SQLiteFeedStore) Subscribe(ctx context.Context, source models.SourceName) (interfaces.ISubscription, error) {
	table, err := d.collections.table(source)
	if err != nil {
		return nil, err
	}
	if d.DB == nil {
		return nil, fmt.Errorf("sqlite feed store is not initialized")
	}

	var last sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(id) FROM %s", table)
	if err := d.DB.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return nil, helpers.NewDatabaseError(fmt.Sprintf("failed to read position of %s", table), err)
	}

	return &sqlitePoller{
		db:       d.DB,
		source:   source,
		table:    table,
		lastID:   last.Int64,
		interval: d.pollInterval,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteFeedStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Poller subscription
// -----------------------------------------------------------------------------

type sqlitePoller struct {
	db       *sql.DB
	source   models.SourceName
	table    string
	interval time.Duration

	mu      sync.Mutex
	lastID  int64
	pending []models.RawEvent
	closed  bool
}

func (p *sqlitePoller) Next(ctx context.Context) (models.RawEvent, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return models.RawEvent{}, fmt.Errorf("subscription to %s closed", p.table)
		}
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return ev, nil
		}
		p.mu.Unlock()

		found, err := p.poll(ctx)
		if err != nil {
			return models.RawEvent{}, err
		}
		if found {
			continue
		}

		select {
		case <-ctx.Done():
			return models.RawEvent{}, ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

func (p *sqlitePoller) poll(ctx context.Context) (bool, error) {
	p.mu.Lock()
	after := p.lastID
	p.mu.Unlock()

	query := fmt.Sprintf("SELECT id, document FROM %s WHERE id > ? ORDER BY id LIMIT %d", p.table, sqliteBatchSize)
	rows, err := p.db.QueryContext(ctx, query, after)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var batch []models.RawEvent
	last := after
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return false, err
		}
		last = id
		// An undecodable row still surfaces so the pipeline can reject it.
		doc, _ := utils.DecodeDocument([]byte(raw))
		batch = append(batch, models.RawEvent{
			Source:        p.source,
			OperationKind: models.OperationInsert,
			Document:      doc,
			ReceivedAt:    time.Now().UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.lastID = last
	p.pending = append(p.pending, batch...)
	p.mu.Unlock()
	return len(batch) > 0, nil
}

func (p *sqlitePoller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return nil
}
