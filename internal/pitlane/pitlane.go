// Package pitlane holds the types of the locally cached mirror and the
// repository surfaces the loops persist through.
package pitlane

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Names of the scrape cursors. Each is written by exactly one loop.
const (
	CursorMain          = "main"
	CursorUpdatedTracks = "updated_tracks"
)

type (
	// Cursor is a persisted pointer into an ordered upstream feed.
	Cursor struct {
		Name      string    `db:"name"`
		Position  int64     `db:"position"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// Track is the cached mirror of one upstream catalog entry.
	Track struct {
		ID         string    `db:"id"`       // Local primary key, kept across overwrites
		TrackID    int64     `db:"track_id"` // Upstream catalog id
		MapUID     *string   `db:"map_uid"`  // Stable external identifier, absent on some old entries
		Name       string    `db:"name"`
		AuthorName string    `db:"author_name"`
		AuthorTime int64     `db:"author_time"` // Milliseconds
		Difficulty string    `db:"difficulty"`
		Length     string    `db:"length"`
		Tags       string    `db:"tags"`
		AwardCount int       `db:"award_count"`
		UploadedAt time.Time `db:"uploaded_at"`
		UpdatedAt  time.Time `db:"updated_at"`
		CreatedAt  time.Time `db:"created_at"`
	}

	// AuthorTimeStatus is the per-track bookkeeping of the author time watcher.
	AuthorTimeStatus struct {
		TrackID     int64      `db:"track_id"`
		Beaten      bool       `db:"beaten"`
		Broken      bool       `db:"broken"`
		LastChecked *time.Time `db:"last_checked"`
		WRScore     *int64     `db:"wr_score"`
		WRHolder    *string    `db:"wr_holder"`
		BeatenBy    AccountSet `db:"beaten_by"`
		BeatenAt    *time.Time `db:"beaten_at"`
	}

	// TrackCheck is a track selected for an author time check together with
	// its current status.
	TrackCheck struct {
		TrackID    int64   `db:"track_id"`
		MapUID     *string `db:"map_uid"`
		AuthorTime int64   `db:"author_time"`

		Status AuthorTimeStatus `db:"status"`
	}

	// Token is the persisted copy of an audience's credentials.
	Token struct {
		Audience     string    `db:"audience"`
		AccessToken  string    `db:"access_token"`
		RefreshToken string    `db:"refresh_token"`
		ExpiresAt    time.Time `db:"expires_at"`
		RefreshAfter time.Time `db:"refresh_after"`
		UpdatedAt    time.Time `db:"updated_at"`
	}

	// Event is one occurrence of the recurring timed competition.
	Event struct {
		ID            string    `db:"id"`
		ChallengeID   int64     `db:"challenge_id"`
		CompetitionID int64     `db:"competition_id"`
		MapUID        string    `db:"map_uid"`
		Name          string    `db:"name"`
		StartsAt      time.Time `db:"starts_at"`
		EndsAt        time.Time `db:"ends_at"`
		CreatedAt     time.Time `db:"created_at"`
	}

	// Ranking is one row of a leaderboard snapshot taken while an event is live.
	Ranking struct {
		ID         string    `db:"id"`
		EventID    string    `db:"event_id"`
		SnapshotAt time.Time `db:"snapshot_at"`
		Rank       int       `db:"rank"`
		Score      int64     `db:"score"`
		AccountID  string    `db:"account_id"`
	}

	// LeaderboardEntry is one record on a track's leaderboard.
	LeaderboardEntry struct {
		AccountID string
		Score     int64
		Position  int
		Zone      string
	}
)

type (
	CursorRepo interface {
		// Cursor returns the named cursor, creating it at def when it does not exist.
		Cursor(ctx context.Context, name string, def int64) (Cursor, error)
		// CursorByName never creates; it returns ErrNotFound instead.
		CursorByName(ctx context.Context, name string) (Cursor, error)
		// SetCursor moves the cursor forward. Positions behind the stored one are ignored.
		SetCursor(ctx context.Context, name string, position int64) error
	}

	TrackRepo interface {
		// UpsertTracks writes the batch in one transaction, aborting it entirely on
		// the first failing row.
		UpsertTracks(ctx context.Context, tracks []Track) error
		Track(ctx context.Context, trackID int64) (Track, error)
		TrackByUID(ctx context.Context, uid string) (Track, error)
	}

	AuthorTimeRepo interface {
		// BackfillAuthorTimeStatuses creates up to limit missing status rows and
		// reports how many it made.
		BackfillAuthorTimeStatuses(ctx context.Context, limit int) (int, error)
		// TracksToCheck returns unresolved, unbroken tracks, least recently checked first.
		TracksToCheck(ctx context.Context, limit int) ([]TrackCheck, error)
		MarkChecked(ctx context.Context, trackIDs []int64, at time.Time) error
		SaveAuthorTimeStatus(ctx context.Context, status AuthorTimeStatus) error
		AuthorTimeStatus(ctx context.Context, trackID int64) (AuthorTimeStatus, error)
	}

	TokenRepo interface {
		Token(ctx context.Context, audience string) (Token, error)
		SaveToken(ctx context.Context, token Token) error
	}

	EventRepo interface {
		// UpsertEvent returns the stored event, whose ID is stable across calls.
		UpsertEvent(ctx context.Context, event Event) (Event, error)
		// InsertRankings ignores rows already stored for the same
		// (event, snapshot, rank).
		InsertRankings(ctx context.Context, rankings []Ranking) (int, error)
		EventRankings(ctx context.Context, eventID string) ([]Ranking, error)
	}

	// Repository is everything the process persists.
	Repository interface {
		CursorRepo
		TrackRepo
		AuthorTimeRepo
		TokenRepo
		EventRepo
	}
)

// AccountSet is a set of account ids, stored as a sorted JSON array.
type AccountSet []string

// Add puts the ids into the set, keeping it sorted and free of duplicates.
func (s AccountSet) Add(ids ...string) AccountSet {
	for _, id := range ids {
		if !slices.Contains(s, id) {
			s = append(s, id)
		}
	}
	slices.Sort(s)

	return s
}

func (s AccountSet) Value() (driver.Value, error) {
	if s == nil {
		s = AccountSet{}
	}
	byts, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}

	return string(byts), nil
}

func (s *AccountSet) Scan(src any) error {
	var byts []byte
	switch src := src.(type) {
	case nil:
		*s = AccountSet{}
		return nil
	case string:
		byts = []byte(src)
	case []byte:
		byts = src
	default:
		return fmt.Errorf("unsupported account set type %T", src)
	}

	var ids []string
	if err := json.Unmarshal(byts, &ids); err != nil {
		return fmt.Errorf("error decoding account set: %w", err)
	}
	*s = ids

	return nil
}
