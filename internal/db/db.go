// internal/db/db.go
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Options holds the connection settings for Postgres.
type Options struct {
	URL      string
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	MaxOpen  int
}

// DSN returns URL when set, otherwise builds one from the discrete fields.
func (o Options) DSN() string {
	if o.URL != "" {
		return o.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		o.User, o.Password, o.Host, o.Port, o.Name,
	)
}

// Open connects and pings the database.
func Open(opts Options, log zerolog.Logger) (*sql.DB, error) {
	log.Info().Str("db_host", opts.Host).Str("db_name", opts.Name).Msg("connecting to database")

	conn, err := sql.Open("postgres", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpen > 0 {
		conn.SetMaxOpenConns(opts.MaxOpen)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info().Msg("connected to database")
	return conn, nil
}
