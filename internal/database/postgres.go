// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/common"
	"github.com/FairForge/shipyard/internal/devops"
)

// Config holds database configuration
type Config struct {
	DSN            string
	MaxOpenConns   int
	DumpCommand    string
	RestoreCommand string
}

// scratch and identifier names we are willing to create or drop
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Postgres is the PostgreSQL side of the deployed store: read-only queries
// for probes, catalog inspection, scratch databases, dump and restore.
type Postgres struct {
	db       *sql.DB
	config   Config
	database string
	logger   *zap.Logger
	open     func(dsn string) (*sql.DB, error)
}

// NewPostgres creates a new PostgreSQL handle. The connection is lazy; use
// Ping or IsReachable to check it.
func NewPostgres(cfg Config, logger *zap.Logger) (*Postgres, error) {
	db, err := openDB(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewWithDB(db, cfg, logger)
}

// NewWithDB wraps an existing handle
func NewWithDB(db *sql.DB, cfg Config, logger *zap.Logger) (*Postgres, error) {
	name, err := DatabaseName(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Postgres{
		db:       db,
		config:   cfg,
		database: name,
		logger:   logger,
		open:     openDB,
	}, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// IsReachable reports whether the store accepts connections
func (p *Postgres) IsReachable(ctx context.Context) error {
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Database is the name of the live database
func (p *Postgres) Database() string {
	return p.database
}

// Execute runs query and returns the first column of every row as text
func (p *Postgres) Execute(ctx context.Context, query string) ([]string, error) {
	return queryColumn(ctx, p.db, query)
}

func queryColumn(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, nil
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var out []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, values[0].String)
	}
	return out, rows.Err()
}

// Catalog lists the user tables and installed extensions of database
func (p *Postgres) Catalog(ctx context.Context, database string) (devops.Catalog, error) {
	db := p.db
	if database != "" && database != p.database {
		dsn, err := WithDatabase(p.config.DSN, database)
		if err != nil {
			return devops.Catalog{}, err
		}
		other, err := p.open(dsn)
		if err != nil {
			return devops.Catalog{}, err
		}
		defer func() { _ = other.Close() }()
		db = other
	}

	tables, err := queryColumn(ctx, db, devops.TablesQuery)
	if err != nil {
		return devops.Catalog{}, fmt.Errorf("catalog %s: %w", database, err)
	}
	extensions, err := queryColumn(ctx, db, devops.ExtensionsQuery)
	if err != nil {
		return devops.Catalog{}, fmt.Errorf("catalog %s: %w", database, err)
	}
	return devops.Catalog{Tables: tables, Extensions: extensions}, nil
}

// CreateScratch creates an empty database used for restore testing
func (p *Postgres) CreateScratch(ctx context.Context, name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid scratch database name %q", name)
	}
	if _, err := p.db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("create scratch %s: %w", name, err)
	}
	p.logger.Debug("scratch database created", zap.String("database", name))
	return nil
}

// DropScratch removes a scratch database, terminating its sessions
func (p *Postgres) DropScratch(ctx context.Context, name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid scratch database name %q", name)
	}
	if name == p.database {
		return fmt.Errorf("refusing to drop the live database %s", name)
	}
	stmt := "DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(name) + " WITH (FORCE)"
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("drop scratch %s: %w", name, err)
	}
	p.logger.Debug("scratch database dropped", zap.String("database", name))
	return nil
}

// Dump writes a logical dump of the live database to dst
func (p *Postgres) Dump(ctx context.Context, dst io.Writer) error {
	cmd, err := common.ParseCommand(p.config.DumpCommand, map[string]string{
		"dsn":      p.config.DSN,
		"database": p.database,
	})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	if err := cmd.Run(ctx, nil, dst); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	return nil
}

// Restore replays a logical dump into database
func (p *Postgres) Restore(ctx context.Context, database string, src io.Reader) error {
	dsn, err := WithDatabase(p.config.DSN, database)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	cmd, err := common.ParseCommand(p.config.RestoreCommand, map[string]string{
		"dsn":      dsn,
		"database": database,
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := cmd.Run(ctx, src, io.Discard); err != nil {
		return fmt.Errorf("restore %s: %w", database, err)
	}
	return nil
}

// DatabaseName extracts the database from a postgres URL
func DatabaseName(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("dsn %q names no database", u.Redacted())
	}
	return name, nil
}

// WithDatabase returns dsn pointed at another database
func WithDatabase(dsn, database string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	u.Path = "/" + database
	return u.String(), nil
}
