// Package tmx reads the public track catalog.
package tmx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jdholdren/pitlane/internal/pitlane"
)

const (
	DefaultBaseURL = "https://trackmania.exchange"

	// PageSize is how many entries a page of the update feed holds.
	PageSize = 100

	searchTimeout = 10 * time.Second
	multiTimeout  = 10 * time.Second
)

type getter interface {
	Get(ctx context.Context, url string, timeout time.Duration, out any) error
}

type Client struct {
	gw      getter
	baseURL string
}

func New(gw getter, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		gw:      gw,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

type mapInfo struct {
	TrackID        int64     `json:"TrackID"`
	TrackUID       *string   `json:"TrackUID"`
	Name           string    `json:"Name"`
	Username       string    `json:"Username"`
	AuthorTime     int64     `json:"AuthorTime"`
	UploadedAt     timestamp `json:"UploadedAt"`
	UpdatedAt      timestamp `json:"UpdatedAt"`
	DifficultyName string    `json:"DifficultyName"`
	LengthName     string    `json:"LengthName"`
	AwardCount     int       `json:"AwardCount"`
	Tags           string    `json:"Tags"`
}

type searchResp struct {
	Results        []mapInfo `json:"results"`
	TotalItemCount int       `json:"totalItemCount"`
}

// LatestTrackID is the highest id the catalog knows of.
func (c *Client) LatestTrackID(ctx context.Context) (int64, error) {
	resp, err := c.search(ctx, "newest", 1, 1)
	if err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, errors.New("catalog search returned no tracks")
	}

	return resp.Results[0].TrackID, nil
}

// Tracks fetches the given ids in one request. Ids the catalog does not
// have are simply absent from the result.
func (c *Client) Tracks(ctx context.Context, ids []int64) ([]pitlane.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, strconv.FormatInt(id, 10))
	}

	var infos []mapInfo
	u := fmt.Sprintf("%s/api/maps/get_map_info/multi/%s", c.baseURL, strings.Join(strs, ","))
	if err := c.gw.Get(ctx, u, multiTimeout, &infos); err != nil {
		return nil, fmt.Errorf("error fetching tracks %d..%d: %w", ids[0], ids[len(ids)-1], err)
	}

	return toTracks(infos), nil
}

// RecentlyUpdated returns one page of the catalog, most recently updated
// first. Pages start at 1.
func (c *Client) RecentlyUpdated(ctx context.Context, page int) ([]pitlane.Track, error) {
	resp, err := c.search(ctx, "updated", PageSize, page)
	if err != nil {
		return nil, err
	}

	return toTracks(resp.Results), nil
}

func (c *Client) search(ctx context.Context, order string, limit, page int) (searchResp, error) {
	q := url.Values{}
	q.Set("api", "on")
	q.Set("format", "json")
	q.Set("order", order)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))

	var resp searchResp
	if err := c.gw.Get(ctx, c.baseURL+"/mapsearch2/search?"+q.Encode(), searchTimeout, &resp); err != nil {
		return searchResp{}, fmt.Errorf("error searching catalog: %w", err)
	}

	return resp, nil
}

// Names are stored exactly as sent. They are styled text, so anything that
// looks like markup or an entity is part of the name.
func toTracks(infos []mapInfo) []pitlane.Track {
	tracks := make([]pitlane.Track, 0, len(infos))
	for _, info := range infos {
		var uid *string
		if info.TrackUID != nil && strings.TrimSpace(*info.TrackUID) != "" {
			uid = info.TrackUID
		}

		tracks = append(tracks, pitlane.Track{
			TrackID:    info.TrackID,
			MapUID:     uid,
			Name:       info.Name,
			AuthorName: info.Username,
			AuthorTime: info.AuthorTime,
			Difficulty: info.DifficultyName,
			Length:     info.LengthName,
			Tags:       info.Tags,
			AwardCount: info.AwardCount,
			UploadedAt: info.UploadedAt.Time,
			UpdatedAt:  info.UpdatedAt.Time,
		})
	}

	return tracks
}

// timestamp is a catalog time. They are sent without a zone and are UTC.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	return fmt.Errorf("unrecognized timestamp %q", s)
}
