package database

import (
	"database/sql"

	_ "github.com/lib/pq"
)

type PgRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

// NewPgRepositoryWithDB wraps an already opened handle.
func NewPgRepositoryWithDB(db *sql.DB) *PgRepository {
	return &PgRepository{conn: db}
}

func (db *PgRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
