package models

import "time"

// League identifies a competition we ingest from the data provider.
type League string

const (
	LeagueNBA League = "NBA"
	LeagueNFL League = "NFL"
	LeagueMLB League = "MLB"
	LeagueNHL League = "NHL"
	LeagueEPL League = "EPL"
)

// AllLeagues returns every league enabled for ingestion.
func AllLeagues() []League {
	return []League{LeagueNBA, LeagueNFL, LeagueMLB, LeagueNHL, LeagueEPL}
}

// EventStatus is the canonical lifecycle state of an event. Every job maps
// provider raw statuses through the same normalizer, so no two jobs can
// disagree about which of these an event is in.
type EventStatus string

const (
	StatusScheduled EventStatus = "SCHEDULED"
	StatusLive      EventStatus = "LIVE"
	StatusFinal     EventStatus = "FINAL"
	StatusPostponed EventStatus = "POSTPONED"
	StatusCanceled  EventStatus = "CANCELED"
)

// CanTransition reports whether an event may move from one lifecycle state
// to another. The one hard rule: a finalized event never regresses to
// SCHEDULED or LIVE. Both Sync and Finalize call this instead of carrying
// their own copy of the check.
func CanTransition(from, to EventStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusFinal:
		// Terminal except for a provider-side correction to CANCELED.
		return to == StatusCanceled
	case StatusCanceled:
		return false
	case StatusPostponed:
		// Postponed games get rescheduled and re-enter the normal flow.
		return true
	default:
		return true
	}
}

// WinnerSide is the settled outcome of an event.
type WinnerSide string

const (
	WinnerHome WinnerSide = "HOME"
	WinnerAway WinnerSide = "AWAY"
	WinnerDraw WinnerSide = "DRAW"
)

// WinnerFromScores derives the winning side from a final score.
func WinnerFromScores(home, away int) WinnerSide {
	switch {
	case home > away:
		return WinnerHome
	case away > home:
		return WinnerAway
	default:
		return WinnerDraw
	}
}

// Event is one sporting contest tracked from discovery through settlement.
// Identity is (league, external_id); rows are created by Discovery and
// mutated by Sync/Finalize, never deleted.
type Event struct {
	ID           int64       `json:"id"`
	League       League      `json:"league"`
	ExternalID   string      `json:"external_id"`
	Provider     string      `json:"provider"`
	Season       int         `json:"season"`
	StartsAt     time.Time   `json:"starts_at"`
	StatusRaw    string      `json:"status_raw"`
	StatusNorm   EventStatus `json:"status_norm"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	HomeScore    *int        `json:"home_score,omitempty"`
	AwayScore    *int        `json:"away_score,omitempty"`
	FinalizedAt  *time.Time  `json:"finalized_at,omitempty"`
	WinnerSide   *WinnerSide `json:"winner_side,omitempty"`
	Placeholder  bool        `json:"placeholder"`
	LastSyncedAt time.Time   `json:"last_synced_at"`
}

// Finalized reports whether the event has been stamped final.
func (e *Event) Finalized() bool {
	return e.FinalizedAt != nil
}

// Season computes the season an event belongs to from its start date.
// Leagues whose schedule spans the new year (NBA, NHL, EPL, NFL) are keyed
// by the calendar year the season started in; MLB runs inside one year.
func Season(league League, startsAt time.Time) int {
	y, m := startsAt.Year(), startsAt.Month()
	switch league {
	case LeagueMLB:
		return y
	case LeagueNFL:
		// NFL seasons start in September; January/February games belong
		// to the prior year's season.
		if m < time.March {
			return y - 1
		}
		return y
	default:
		// NBA/NHL/EPL start in autumn and run into the following summer.
		if m < time.August {
			return y - 1
		}
		return y
	}
}
