// Package nadeo reads leaderboards and competition data from the game's live
// services. Every call is authenticated.
package nadeo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const (
	DefaultLiveBaseURL = "https://live-services.trackmania.nadeo.live"
	DefaultMeetBaseURL = "https://meet.trackmania.nadeo.club"

	// Audience is the token audience every call here is made with.
	Audience = "NadeoLiveServices"

	leaderboardTimeout = 5 * time.Second
	cupTimeout         = 5 * time.Second
	daysTimeout        = 5 * time.Second
	challengeTimeout   = 10 * time.Second
)

type authGetter interface {
	GetAuth(ctx context.Context, src oauth2.TokenSource, url string, timeout time.Duration, out any) error
}

type Config struct {
	LiveBaseURL string
	MeetBaseURL string
}

type Client struct {
	gw      authGetter
	src     oauth2.TokenSource
	liveURL string
	meetURL string
}

func New(gw authGetter, src oauth2.TokenSource, cfg Config) *Client {
	if cfg.LiveBaseURL == "" {
		cfg.LiveBaseURL = DefaultLiveBaseURL
	}
	if cfg.MeetBaseURL == "" {
		cfg.MeetBaseURL = DefaultMeetBaseURL
	}

	return &Client{
		gw:      gw,
		src:     src,
		liveURL: strings.TrimSuffix(cfg.LiveBaseURL, "/"),
		meetURL: strings.TrimSuffix(cfg.MeetBaseURL, "/"),
	}
}

type leaderboardResp struct {
	Tops []struct {
		Top []struct {
			AccountID string `json:"accountId"`
			ZoneName  string `json:"zoneName"`
			Position  int    `json:"position"`
			Score     int64  `json:"score"`
		} `json:"top"`
	} `json:"tops"`
}

// LeaderboardTop returns the best length records on a track, best first.
func (c *Client) LeaderboardTop(ctx context.Context, mapUID string, length int) ([]pitlane.LeaderboardEntry, error) {
	q := url.Values{}
	q.Set("length", strconv.Itoa(length))
	q.Set("onlyWorld", "true")
	u := fmt.Sprintf("%s/api/token/leaderboard/group/Personal_Best/map/%s/top?%s", c.liveURL, url.PathEscape(mapUID), q.Encode())

	var resp leaderboardResp
	if err := c.gw.GetAuth(ctx, c.src, u, leaderboardTimeout, &resp); err != nil {
		return nil, fmt.Errorf("error fetching leaderboard of %s: %w", mapUID, err)
	}
	if len(resp.Tops) == 0 {
		return nil, nil
	}

	entries := make([]pitlane.LeaderboardEntry, 0, len(resp.Tops[0].Top))
	for _, e := range resp.Tops[0].Top {
		entries = append(entries, pitlane.LeaderboardEntry{
			AccountID: e.AccountID,
			Score:     e.Score,
			Position:  e.Position,
			Zone:      e.ZoneName,
		})
	}

	return entries, nil
}

// Cup describes the current or next cup of the day.
type Cup struct {
	ID            int64
	Edition       int
	CompetitionID int64
	ChallengeID   int64
	Name          string
	StartsAt      time.Time
	EndsAt        time.Time
}

type cupResp struct {
	ID          int64 `json:"id"`
	Edition     int   `json:"edition"`
	Competition struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"competition"`
	Challenge struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		StartDate int64  `json:"startDate"`
		EndDate   int64  `json:"endDate"`
	} `json:"challenge"`
	StartDate int64 `json:"startDate"`
	EndDate   int64 `json:"endDate"`
}

// CurrentCup returns the cup that is running or coming up next. ok is false
// when the service has none to announce.
func (c *Client) CurrentCup(ctx context.Context) (cup Cup, ok bool, err error) {
	var resp cupResp
	err = c.gw.GetAuth(ctx, c.src, c.meetURL+"/api/cup-of-the-day/current", cupTimeout, &resp)
	if pterrs.Status(err) == http.StatusNoContent {
		return Cup{}, false, nil
	}
	if err != nil {
		return Cup{}, false, fmt.Errorf("error fetching current cup: %w", err)
	}

	// The challenge window is the one that is actually played; the outer
	// dates include the lobby.
	start, end := resp.Challenge.StartDate, resp.Challenge.EndDate
	if start == 0 || end == 0 {
		start, end = resp.StartDate, resp.EndDate
	}

	return Cup{
		ID:            resp.ID,
		Edition:       resp.Edition,
		CompetitionID: resp.Competition.ID,
		ChallengeID:   resp.Challenge.ID,
		Name:          resp.Competition.Name,
		StartsAt:      time.Unix(start, 0).UTC(),
		EndsAt:        time.Unix(end, 0).UTC(),
	}, true, nil
}

// DayTrack is a featured track and the window it is featured in.
type DayTrack struct {
	MapUID   string
	StartsAt time.Time
	EndsAt   time.Time
}

type monthResp struct {
	MonthList []struct {
		Days []struct {
			MapUID         string `json:"mapUid"`
			StartTimestamp int64  `json:"startTimestamp"`
			EndTimestamp   int64  `json:"endTimestamp"`
		} `json:"days"`
	} `json:"monthList"`
}

// TrackOfTheDays lists the featured tracks of the current month.
func (c *Client) TrackOfTheDays(ctx context.Context) ([]DayTrack, error) {
	var resp monthResp
	if err := c.gw.GetAuth(ctx, c.src, c.liveURL+"/api/token/campaign/month?length=1&offset=0", daysTimeout, &resp); err != nil {
		return nil, fmt.Errorf("error fetching tracks of the day: %w", err)
	}

	var days []DayTrack
	for _, month := range resp.MonthList {
		for _, d := range month.Days {
			// Days of the month not yet revealed have no track.
			if d.MapUID == "" {
				continue
			}
			days = append(days, DayTrack{
				MapUID:   d.MapUID,
				StartsAt: time.Unix(d.StartTimestamp, 0).UTC(),
				EndsAt:   time.Unix(d.EndTimestamp, 0).UTC(),
			})
		}
	}

	return days, nil
}

// ChallengeResult is one player's standing in a running challenge.
type ChallengeResult struct {
	AccountID string
	Score     int64
	Rank      int
}

type challengeResp struct {
	ChallengeID int64 `json:"challengeId"`
	Results     []struct {
		Player string `json:"player"`
		Score  int64  `json:"score"`
		Rank   int    `json:"rank"`
	} `json:"results"`
}

// ChallengeLeaderboard returns one page of a challenge's standings.
func (c *Client) ChallengeLeaderboard(ctx context.Context, challengeID int64, length, offset int) ([]ChallengeResult, error) {
	u := fmt.Sprintf("%s/api/challenges/%d/leaderboard?length=%d&offset=%d", c.meetURL, challengeID, length, offset)

	var resp challengeResp
	if err := c.gw.GetAuth(ctx, c.src, u, challengeTimeout, &resp); err != nil {
		return nil, fmt.Errorf("error fetching challenge %d leaderboard: %w", challengeID, err)
	}

	results := make([]ChallengeResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, ChallengeResult{
			AccountID: r.Player,
			Score:     r.Score,
			Rank:      r.Rank,
		})
	}

	return results, nil
}
