package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat".
// An empty string yields a nil bound (no filtering).
func ParseBBox(s string) (*orb.Bound, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bound := orb.Bound{
		Min: orb.Point{coords[0], coords[1]},
		Max: orb.Point{coords[2], coords[3]},
	}

	// Validate
	if bound.Min.Lon() > bound.Max.Lon() {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bound.Min.Lon(), bound.Max.Lon())
	}
	if bound.Min.Lat() > bound.Max.Lat() {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bound.Min.Lat(), bound.Max.Lat())
	}
	if bound.Min.Lat() < -90 || bound.Max.Lat() > 90 || bound.Min.Lon() < -180 || bound.Max.Lon() > 180 {
		return nil, fmt.Errorf("bbox %s is outside WGS84 range", s)
	}

	return &bound, nil
}

// Config holds the global configuration for an extraction run
type Config struct {
	// Input settings
	InputFile string
	UseMmap   bool       // Map the input read-only instead of buffered reads
	BBox      *orb.Bound // Geographic filter for cities
	RulesFile string     // Path to extraction rules YAML

	// Database settings
	DBURL      string // Full DSN, overrides the discrete fields
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string

	// Connection pool
	PoolSize        int           // Max connections, also bounds in-flight chunks
	AcquireAttempts int           // Tries per write before a pool failure
	AcquireTimeout  time.Duration // Deadline for one acquire attempt
	AcquireBackoff  time.Duration // Initial delay between attempts, doubled each retry

	// Processing settings
	Workers       int // Concurrent chunk decoders
	CreateIndexes bool

	// Optional outputs
	ArchiveDir  string // Parquet copy of every extracted record
	MetricsFile string // Prometheus textfile written at the end of the run

	// Logging and metrics
	Verbose          bool
	LogFile          string        // Path to log file (empty = no file logging)
	MetricsInterval  time.Duration // Interval for system metrics logging
	ProgressInterval time.Duration // Interval for progress logging
	ConfigFile       string        // Optional YAML file overlaid onto flags
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBHost:           "localhost",
		DBPort:           5432,
		DBName:           "osm",
		DBUser:           "postgres",
		DBPassword:       "",
		DBSchema:         "public",
		PoolSize:         16,
		AcquireAttempts:  5,
		AcquireTimeout:   5 * time.Second,
		AcquireBackoff:   200 * time.Millisecond,
		Workers:          runtime.NumCPU(),
		CreateIndexes:    true,
		Verbose:          false,
		LogFile:          "",               // No file logging by default
		MetricsInterval:  30 * time.Second, // Log system metrics every 30 seconds
		ProgressInterval: 5 * time.Second,
	}
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Target describes the database for logs, without credentials
func (c *Config) Target() string {
	if c.DBURL != "" {
		if u, err := url.Parse(c.DBURL); err == nil && u.Host != "" {
			return u.Host + u.Path
		}
		return "dsn"
	}
	return fmt.Sprintf("%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if c.DBURL == "" && (c.DBHost == "" || c.DBName == "") {
		return fmt.Errorf("database host and name are required without --db-url")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.AcquireAttempts < 1 {
		return fmt.Errorf("acquire attempts must be at least 1")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive")
	}
	if c.AcquireBackoff < 0 {
		return fmt.Errorf("acquire backoff must not be negative")
	}
	if c.DBSchema == "" {
		return fmt.Errorf("database schema is required")
	}
	return nil
}
