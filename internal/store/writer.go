package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmextract/internal/config"
	"github.com/wegman-software/osmextract/internal/extract"
	"github.com/wegman-software/osmextract/internal/failure"
	"github.com/wegman-software/osmextract/internal/logger"
)

// SRID of the stored geography
const SRID = 4326

// Session lock serializing schema bootstrap across concurrent runs
const schemaLockID = 0x6f736d78

const maxAcquireBackoff = 10 * time.Second

// Writer runs one upsert per record, each on its own pooled connection
type Writer struct {
	pool     Pool
	schema   string
	cities   string
	roads    string
	attempts uint
	timeout  time.Duration
	backoff  time.Duration

	upsertCitySQL string
	upsertRoadSQL string
}

// NewWriter creates a writer on pool using the schema and acquire policy
// from cfg
func NewWriter(pool Pool, cfg *config.Config) *Writer {
	w := &Writer{
		pool:     pool,
		schema:   pgx.Identifier{cfg.DBSchema}.Sanitize(),
		cities:   pgx.Identifier{cfg.DBSchema, "cities"}.Sanitize(),
		roads:    pgx.Identifier{cfg.DBSchema, "roads"}.Sanitize(),
		attempts: uint(cfg.AcquireAttempts),
		timeout:  cfg.AcquireTimeout,
		backoff:  cfg.AcquireBackoff,
	}
	if w.attempts == 0 {
		w.attempts = 1
	}

	w.upsertCitySQL = fmt.Sprintf(`
		INSERT INTO %s (city_id, name, latitude, longitude, population, geom)
		VALUES ($1, $2, $3, $4, $5, ST_GeogFromWKB($6))
		ON CONFLICT (city_id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			population = EXCLUDED.population,
			geom = EXCLUDED.geom`, w.cities)

	w.upsertRoadSQL = fmt.Sprintf(`
		INSERT INTO %s (road_id, name, nodes)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (road_id) DO UPDATE SET
			name = EXCLUDED.name,
			nodes = EXCLUDED.nodes`, w.roads)

	return w
}

// EnsureSchema creates the PostGIS extension, the schema and both tables
// if missing. Concurrent bootstraps are serialized by an advisory lock on
// the session, and losing a creation race counts as success.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	conn, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		return failure.New(failure.KindStore, "acquire schema lock", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockID); err != nil {
			logger.Get().Warn("Failed to release schema lock", zap.Error(err))
		}
	}()

	statements := []struct {
		op  string
		sql string
	}{
		{"create postgis extension", "CREATE EXTENSION IF NOT EXISTS postgis"},
		{"create schema", fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)},
		{"create cities table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				city_id BIGINT PRIMARY KEY,
				name TEXT,
				latitude DOUBLE PRECISION,
				longitude DOUBLE PRECISION,
				population BIGINT,
				geom GEOGRAPHY(Point, %d)
			)`, w.cities, SRID)},
		{"create roads table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				road_id BIGINT PRIMARY KEY,
				name TEXT,
				nodes JSONB
			)`, w.roads)},
	}

	for _, s := range statements {
		if _, err := conn.Exec(ctx, s.sql); err != nil {
			if isDuplicate(err) {
				logger.Get().Debug("Schema object already exists", zap.String("op", s.op))
				continue
			}
			return failure.New(failure.KindStore, s.op, err)
		}
	}
	return nil
}

// UpsertCity inserts or replaces one city row
func (w *Writer) UpsertCity(ctx context.Context, c extract.City) error {
	geog, err := cityEWKB(c)
	if err != nil {
		return failure.New(failure.KindSerialization, fmt.Sprintf("encode city %d", c.ID), err)
	}
	return w.exec(ctx, fmt.Sprintf("upsert city %d", c.ID), w.upsertCitySQL,
		c.ID, c.Name, c.Lat, c.Lon, c.Population, geog)
}

// UpsertRoad inserts or replaces one road row
func (w *Writer) UpsertRoad(ctx context.Context, r extract.Road) error {
	nodes, err := roadNodesJSON(r)
	if err != nil {
		return failure.New(failure.KindSerialization, fmt.Sprintf("encode road %d", r.ID), err)
	}
	return w.exec(ctx, fmt.Sprintf("upsert road %d", r.ID), w.upsertRoadSQL,
		r.ID, r.Name, nodes)
}

// CreateIndexes builds the spatial and node indexes and refreshes planner
// statistics. Each table is handled on its own connection in parallel.
func (w *Writer) CreateIndexes(ctx context.Context) error {
	log := logger.Get()

	tables := []struct {
		table string
		index string
		sql   string
	}{
		{w.cities, "cities_geom_idx", fmt.Sprintf("CREATE INDEX IF NOT EXISTS cities_geom_idx ON %s USING GIST (geom)", w.cities)},
		{w.roads, "roads_nodes_idx", fmt.Sprintf("CREATE INDEX IF NOT EXISTS roads_nodes_idx ON %s USING GIN (nodes)", w.roads)},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tables {
		g.Go(func() error {
			start := time.Now()
			if err := w.exec(ctx, "create index "+t.index, t.sql); err != nil {
				return err
			}
			if err := w.exec(ctx, "analyze "+t.table, "ANALYZE "+t.table); err != nil {
				return err
			}
			log.Info("Index created",
				zap.String("index", t.index),
				zap.Duration("duration", time.Since(start)))
			return nil
		})
	}
	return g.Wait()
}

// exec runs one statement on a freshly acquired connection
func (w *Writer) exec(ctx context.Context, op, sql string, args ...any) error {
	conn, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, sql, args...); err != nil {
		return failure.New(failure.KindStore, op, err)
	}
	return nil
}

// acquire takes a connection, bounding each attempt by the acquire
// timeout and backing off exponentially between attempts
func (w *Writer) acquire(ctx context.Context) (Conn, error) {
	var conn Conn
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()
			c, err := w.pool.Acquire(attemptCtx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.Delay(w.backoff),
		retry.MaxDelay(maxAcquireBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Get().Debug("Connection acquire failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, failure.New(failure.KindPool, "acquire connection", err)
	}
	return conn, nil
}

func cityEWKB(c extract.City) ([]byte, error) {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return nil, fmt.Errorf("coordinate (%f, %f) outside WGS84 range", c.Lat, c.Lon)
	}
	pt := geom.NewPointFlat(geom.XY, []float64{c.Lon, c.Lat}).SetSRID(SRID)
	return ewkb.Marshal(pt, ewkb.NDR)
}

func roadNodesJSON(r extract.Road) (string, error) {
	nodes := r.Nodes
	if nodes == nil {
		nodes = []int64{}
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.DuplicateTable, pgerrcode.DuplicateObject, pgerrcode.DuplicateSchema, pgerrcode.UniqueViolation:
		return true
	}
	return false
}
