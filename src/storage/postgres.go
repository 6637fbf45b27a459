package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/utils"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
)

// -----------------------------------------------------------------------------

// PostgresFeedStore watches feed tables through LISTEN/NOTIFY. A trigger on
// every feed table publishes {op, id} on the channel "<table>_changes".
type PostgresFeedStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger

	collections collections
}

// notifyPayload is what the feed triggers publish.
type notifyPayload struct {
	Op string `json:"op"`
	ID int64  `json:"id"`
}

// -----------------------------------------------------------------------------

func NewPostgresFeedStore(cfg *models.MConfig, log *logger.Logger) (*PostgresFeedStore, error) {
	cols, err := newCollections(cfg.Pipeline.Sources)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewLogger(cfg, "PostgresFeedStore")
	}
	return &PostgresFeedStore{
		Config:      cfg,
		Logger:      log,
		collections: cols,
	}, nil
}

// -----------------------------------------------------------------------------

// Initialize opens the connection (unless one was injected) and installs the
// feed tables and their notify triggers.
func (d *PostgresFeedStore) Initialize(ctx context.Context) error {
	if d.DB == nil {
		db, err := sql.Open("postgres", d.Config.Storage.DBConnectionString)
		if err != nil {
			return helpers.NewDatabaseError("failed to open postgres", err)
		}
		d.DB = db
	}

	if err := d.DB.PingContext(ctx); err != nil {
		return helpers.NewDatabaseError("failed to reach postgres", err)
	}

	for _, table := range d.tables() {
		if _, err := d.DB.ExecContext(ctx, feedTableDDL(table)); err != nil {
			return helpers.NewDatabaseError(fmt.Sprintf("failed to prepare %s", table), err)
		}
	}

	d.Logger.Info("PostgresFeedStore initialized successfully (%d tables)", len(d.tables()))
	return nil
}

// tables returns every table to prepare, in a stable order.
func (d *PostgresFeedStore) tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, source := range models.AllSources {
		if t, ok := d.collections[source]; ok && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if t, _ := d.collections.modeTable(); !seen[t] {
		out = append(out, t)
	}
	return out
}

func feedTableDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%[1]s" (
			id BIGSERIAL PRIMARY KEY,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE OR REPLACE FUNCTION "%[1]s_notify"() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%[1]s_changes', json_build_object('op', TG_OP, 'id', NEW.id)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
		DROP TRIGGER IF EXISTS "%[1]s_notify" ON "%[1]s";
		CREATE TRIGGER "%[1]s_notify" AFTER INSERT OR UPDATE ON "%[1]s"
			FOR EACH ROW EXECUTE FUNCTION "%[1]s_notify"();
	`, table)
}

func channelName(table string) string {
	return table + "_changes"
}

// -----------------------------------------------------------------------------

func (d *PostgresFeedStore) QueryLatestRecord(ctx context.Context, source models.SourceName) (map[string]interface{}, error) {
	table, err := d.collections.table(source)
	if err != nil {
		return nil, err
	}

	var raw []byte
	query := fmt.Sprintf(`SELECT document FROM "%s" ORDER BY id DESC LIMIT 1`, table)
	err = d.DB.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, helpers.NewDatabaseError(fmt.Sprintf("failed to query latest %s", table), err)
	}
	return utils.DecodeDocument(raw)
}

// -----------------------------------------------------------------------------

func (d *PostgresFeedStore) WriteMode(ctx context.Context, mode string) error {
	table, _ := d.collections.modeTable()
	doc, err := utils.ModeDocument(mode, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO "%s" (document) VALUES ($1)`, table)
	if _, err := d.DB.ExecContext(ctx, query, string(doc)); err != nil {
		return helpers.NewDatabaseError("failed to write mode", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// Subscribe opens a dedicated listener connection on the table's channel.
func (d *PostgresFeedStore) Subscribe(ctx context.Context, source models.SourceName) (interfaces.ISubscription, error) {
	table, err := d.collections.table(source)
	if err != nil {
		return nil, err
	}

	failures := make(chan error, 1)
	listener := pq.NewListener(d.Config.Storage.DBConnectionString, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if ev == pq.ListenerEventConnectionAttemptFailed || ev == pq.ListenerEventDisconnected {
				if err == nil {
					err = fmt.Errorf("listener disconnected")
				}
				select {
				case failures <- err:
				default:
				}
			}
		})

	if err := listener.Listen(channelName(table)); err != nil {
		listener.Close()
		return nil, helpers.NewDatabaseError(fmt.Sprintf("failed to listen on %s", channelName(table)), err)
	}

	return &pgSubscription{
		db:       d.DB,
		source:   source,
		table:    table,
		notify:   listener.Notify,
		failures: failures,
		closer:   listener.Close,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresFeedStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Listener subscription
// -----------------------------------------------------------------------------

type pgSubscription struct {
	db       *sql.DB
	source   models.SourceName
	table    string
	notify   <-chan *pq.Notification
	failures <-chan error
	closer   func() error

	closeOnce sync.Once
	closeErr  error
}

func (s *pgSubscription) Next(ctx context.Context) (models.RawEvent, error) {
	select {
	case <-ctx.Done():
		return models.RawEvent{}, ctx.Err()
	case err := <-s.failures:
		return models.RawEvent{}, err
	case n, ok := <-s.notify:
		if !ok {
			return models.RawEvent{}, fmt.Errorf("listener for %s closed", s.table)
		}
		// lib/pq sends nil after re-establishing a dropped connection;
		// notifications may have been lost in between.
		if n == nil {
			return models.RawEvent{}, fmt.Errorf("listener for %s reconnected, changes may be lost", s.table)
		}
		return s.eventFor(ctx, n.Extra)
	}
}

// eventFor turns a notification payload into a RawEvent, fetching the row
// for inserts.
func (s *pgSubscription) eventFor(ctx context.Context, payload string) (models.RawEvent, error) {
	event := models.RawEvent{
		Source:        s.source,
		OperationKind: models.OperationOther,
		ReceivedAt:    time.Now().UTC(),
	}

	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// Unknown payloads are surfaced as non-insert changes and ignored downstream.
		return event, nil
	}
	if !strings.EqualFold(p.Op, "INSERT") {
		return event, nil
	}

	var raw []byte
	query := fmt.Sprintf(`SELECT document FROM "%s" WHERE id = $1`, s.table)
	if err := s.db.QueryRowContext(ctx, query, p.ID).Scan(&raw); err != nil {
		return models.RawEvent{}, fmt.Errorf("failed to fetch %s row %d: %w", s.table, p.ID, err)
	}

	event.OperationKind = models.OperationInsert
	event.Document, _ = utils.DecodeDocument(raw)
	return event, nil
}

func (s *pgSubscription) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
