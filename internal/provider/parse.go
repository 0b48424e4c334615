package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Game is the normalized record every payload shape parses into. Jobs only
// ever see this type; provider JSON never leaks past this package.
type Game struct {
	ExternalID  string
	StartsAt    time.Time
	StatusRaw   string
	HomeTeam    string
	AwayTeam    string
	HomeScore   *int
	AwayScore   *int
	Placeholder bool
}

// Shape selects which payload variant a league's feed uses. The union is
// explicit: a record is decoded as exactly one variant, chosen up front by
// sport family, instead of probing optional paths ad hoc.
type Shape int

const (
	// ShapeAmerican is the flat record used by basketball/football/etc
	// feeds: top-level id/date/status with scores as totals.
	ShapeAmerican Shape = iota
	// ShapeFixture is the nested soccer record: fixture.id, fixture.date,
	// goals.home/away.
	ShapeFixture
)

// flexTime accepts both "2026-03-10T19:30:00Z" strings and {"start": "..."}
// objects, the two ways feeds carry the scheduled start.
type flexTime struct {
	t  time.Time
	ok bool
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.t, f.ok = parseTime(s)
		return nil
	}
	var obj struct {
		Start string `json:"start"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		f.t, f.ok = parseTime(obj.Start)
		return nil
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// flexScore accepts a bare number, null, or {"total": n}.
type flexScore struct {
	v *int
}

func (f *flexScore) UnmarshalJSON(data []byte) error {
	var n *int
	if err := json.Unmarshal(data, &n); err == nil {
		f.v = n
		return nil
	}
	var obj struct {
		Total *int `json:"total"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		f.v = obj.Total
		return nil
	}
	return nil
}

type teamPair struct {
	Home struct {
		Name string `json:"name"`
	} `json:"home"`
	Away struct {
		Name string `json:"name"`
	} `json:"away"`
}

type statusBlock struct {
	Short string `json:"short"`
	Long  string `json:"long"`
}

func (s statusBlock) raw() string {
	if s.Short != "" {
		return s.Short
	}
	return s.Long
}

// americanRecord is the flat variant. Some feeds nest id/date/status under
// a "game" object; both spellings are part of this variant.
type americanRecord struct {
	ID   json.Number `json:"id"`
	Date flexTime    `json:"date"`
	Game *struct {
		ID     json.Number `json:"id"`
		Date   flexTime    `json:"date"`
		Status statusBlock `json:"status"`
	} `json:"game"`
	Status statusBlock `json:"status"`
	Teams  teamPair    `json:"teams"`
	Scores struct {
		Home flexScore `json:"home"`
		Away flexScore `json:"away"`
	} `json:"scores"`
}

func (r *americanRecord) toGame(now time.Time) (Game, error) {
	g := Game{
		HomeTeam:  r.Teams.Home.Name,
		AwayTeam:  r.Teams.Away.Name,
		HomeScore: r.Scores.Home.v,
		AwayScore: r.Scores.Away.v,
		StatusRaw: r.Status.raw(),
	}
	id := r.ID.String()
	date := r.Date
	if r.Game != nil {
		if r.Game.ID.String() != "" {
			id = r.Game.ID.String()
		}
		if r.Game.Date.ok {
			date = r.Game.Date
		}
		if g.StatusRaw == "" {
			g.StatusRaw = r.Game.Status.raw()
		}
	}
	if id == "" || id == "0" {
		return Game{}, fmt.Errorf("record has no resolvable id")
	}
	g.ExternalID = id
	// Relaxed ingestion: an unresolvable start time defaults to now rather
	// than dropping the record.
	if date.ok {
		g.StartsAt = date.t
	} else {
		g.StartsAt = now
	}
	g.Placeholder = isPlaceholder(g.HomeTeam, g.AwayTeam)
	return g, nil
}

// fixtureRecord is the nested soccer variant.
type fixtureRecord struct {
	Fixture struct {
		ID     json.Number `json:"id"`
		Date   flexTime    `json:"date"`
		Status statusBlock `json:"status"`
	} `json:"fixture"`
	Teams teamPair `json:"teams"`
	Goals struct {
		Home flexScore `json:"home"`
		Away flexScore `json:"away"`
	} `json:"goals"`
}

func (r *fixtureRecord) toGame(now time.Time) (Game, error) {
	id := r.Fixture.ID.String()
	if id == "" || id == "0" {
		return Game{}, fmt.Errorf("fixture has no resolvable id")
	}
	g := Game{
		ExternalID: id,
		StatusRaw:  r.Fixture.Status.raw(),
		HomeTeam:   r.Teams.Home.Name,
		AwayTeam:   r.Teams.Away.Name,
		HomeScore:  r.Goals.Home.v,
		AwayScore:  r.Goals.Away.v,
	}
	if r.Fixture.Date.ok {
		g.StartsAt = r.Fixture.Date.t
	} else {
		g.StartsAt = now
	}
	g.Placeholder = isPlaceholder(g.HomeTeam, g.AwayTeam)
	return g, nil
}

// ParseGame decodes one raw provider record of the given shape.
func ParseGame(shape Shape, data json.RawMessage, now time.Time) (Game, error) {
	switch shape {
	case ShapeFixture:
		var rec fixtureRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Game{}, fmt.Errorf("decoding fixture record: %w", err)
		}
		return rec.toGame(now)
	default:
		var rec americanRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Game{}, fmt.Errorf("decoding game record: %w", err)
		}
		return rec.toGame(now)
	}
}

// isPlaceholder flags exhibition and not-yet-determined fixtures. They are
// tagged, not dropped: downstream consumers decide relevance.
func isPlaceholder(home, away string) bool {
	for _, name := range []string{home, away} {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" || n == "tbd" || n == "to be determined" {
			return true
		}
		if strings.Contains(n, "all-star") || strings.Contains(n, "all star") {
			return true
		}
	}
	return false
}
