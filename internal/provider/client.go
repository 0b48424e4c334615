// Package provider talks to the external sports-data service. Two endpoints
// per league: games for a date, and in-progress games. Responses come back
// in one of two payload shapes (see parse.go); this client picks the shape
// by league and hands jobs fully parsed records.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jordannassie/courtside/pkg/models"
)

// Name tags rows written from this provider.
const Name = "apisports"

// leaguePaths maps a league onto its URL segment at the provider.
var leaguePaths = map[models.League]string{
	models.LeagueNBA: "basketball/nba",
	models.LeagueNFL: "football/nfl",
	models.LeagueMLB: "baseball/mlb",
	models.LeagueNHL: "hockey/nhl",
	models.LeagueEPL: "soccer/epl",
}

// ShapeForLeague returns the payload variant a league's feed uses.
func ShapeForLeague(league models.League) Shape {
	if league == models.LeagueEPL {
		return ShapeFixture
	}
	return ShapeAmerican
}

// Client fetches raw games from the provider. Calls are rate limited as
// backpressure against the provider's quota; every request goes through
// the limiter before hitting the wire.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// New creates a provider client. requestsPerSec bounds the outbound rate;
// zero or negative disables limiting (tests).
func New(baseURL, apiKey string, requestsPerSec float64, log *logrus.Logger) *Client {
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: limiter,
		log:     log,
	}
}

// GamesForDate fetches every game for a league on a calendar date.
func (c *Client) GamesForDate(ctx context.Context, league models.League, date time.Time) ([]Game, error) {
	path, ok := leaguePaths[league]
	if !ok {
		return nil, fmt.Errorf("unknown league %q", league)
	}
	url := fmt.Sprintf("%s/%s/games?date=%s", c.baseURL, path, date.Format("2006-01-02"))
	return c.fetchGames(ctx, league, url)
}

// LiveGames fetches the in-progress games for a league.
func (c *Client) LiveGames(ctx context.Context, league models.League) ([]Game, error) {
	path, ok := leaguePaths[league]
	if !ok {
		return nil, fmt.Errorf("unknown league %q", league)
	}
	url := fmt.Sprintf("%s/%s/games/live", c.baseURL, path)
	return c.fetchGames(ctx, league, url)
}

func (c *Client) fetchGames(ctx context.Context, league models.League, url string) ([]Game, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	raw, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, err
	}

	shape := ShapeForLeague(league)
	now := time.Now().UTC()
	games := make([]Game, 0, len(raw))
	for _, rec := range raw {
		g, err := ParseGame(shape, rec, now)
		if err != nil {
			// Unidentifiable records are skipped, not fatal.
			c.log.WithError(err).WithField("league", league).Debug("skipping unparseable record")
			continue
		}
		games = append(games, g)
	}
	return games, nil
}

// decodeRecords accepts both a bare JSON array and the {"response": [...]}
// envelope the provider wraps list endpoints in.
func decodeRecords(r io.Reader) ([]json.RawMessage, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var envelope struct {
		Response []json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	return envelope.Response, nil
}
