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

func (r Repo) Token(ctx context.Context, audience string) (pitlane.Token, error) {
	const q = `SELECT * FROM tokens WHERE audience = ?;`

	var tok pitlane.Token
	err := r.db.GetContext(ctx, &tok, q, audience)
	if errors.Is(err, sql.ErrNoRows) {
		return pitlane.Token{}, pterrs.ErrNotFound
	}
	if err != nil {
		return pitlane.Token{}, fmt.Errorf("error fetching token: %s", err)
	}

	return tok, nil
}

func (r Repo) SaveToken(ctx context.Context, tok pitlane.Token) error {
	const q = `INSERT INTO tokens (audience, access_token, refresh_token, expires_at, refresh_after, updated_at)
	VALUES (:audience, :access_token, :refresh_token, :expires_at, :refresh_after, :updated_at)
	ON CONFLICT (audience) DO UPDATE SET
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		expires_at = excluded.expires_at,
		refresh_after = excluded.refresh_after,
		updated_at = excluded.updated_at;`

	tok.ExpiresAt = utc(tok.ExpiresAt)
	tok.RefreshAfter = utc(tok.RefreshAfter)
	tok.UpdatedAt = utc(time.Now())
	if _, err := r.db.NamedExecContext(ctx, q, tok); err != nil {
		return fmt.Errorf("error saving token: %s", err)
	}

	return nil
}
