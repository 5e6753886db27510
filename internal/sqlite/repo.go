package sqlite

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/pitlane/internal/pitlane"
)

// Ensure Repo implements the Repository interface
var _ pitlane.Repository = (*Repo)(nil)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

// Open connects to the sqlite database at path.
//
// Times are written in sqlite's own format so that they sort and compare as
// text in the same order they do as instants.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite", path)
	dbx, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}
	// sqlite has a single writer; the loops queue for it here rather than
	// racing for the file lock.
	dbx.SetMaxOpenConns(1)

	return dbx, nil
}

// Every time stored goes through here so rows written by different loops agree.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
