package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

func (r Repo) Cursor(ctx context.Context, name string, def int64) (pitlane.Cursor, error) {
	const q = `INSERT INTO scrape_cursors (name, position, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (name) DO NOTHING;`

	if _, err := r.db.ExecContext(ctx, q, name, def, utc(time.Now())); err != nil {
		return pitlane.Cursor{}, fmt.Errorf("error creating cursor: %s", err)
	}

	return r.CursorByName(ctx, name)
}

func (r Repo) CursorByName(ctx context.Context, name string) (pitlane.Cursor, error) {
	const q = `SELECT * FROM scrape_cursors WHERE name = ?;`

	var c pitlane.Cursor
	err := r.db.GetContext(ctx, &c, q, name)
	if errors.Is(err, sql.ErrNoRows) {
		return pitlane.Cursor{}, pterrs.ErrNotFound
	}
	if err != nil {
		return pitlane.Cursor{}, fmt.Errorf("error fetching cursor: %s", err)
	}

	return c, nil
}

func (r Repo) SetCursor(ctx context.Context, name string, position int64) error {
	// A cursor never moves backwards, whoever asks.
	const q = `INSERT INTO scrape_cursors (name, position, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		position = excluded.position,
		updated_at = excluded.updated_at
	WHERE excluded.position >= scrape_cursors.position;`

	if _, err := r.db.ExecContext(ctx, q, name, position, utc(time.Now())); err != nil {
		return fmt.Errorf("error setting cursor: %s", err)
	}

	return nil
}
