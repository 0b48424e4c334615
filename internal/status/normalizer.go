// Package status maps provider status strings onto the canonical event
// lifecycle. This is the single source of truth for lifecycle transitions:
// Discovery, Sync and Finalize all classify through Normalize, so no two
// jobs can disagree about an event's state.
package status

import (
	"strings"
	"time"

	"github.com/jordannassie/courtside/pkg/models"
)

// Short codes used by American-sports feeds.
var americanCodes = map[string]models.EventStatus{
	"NS":   models.StatusScheduled,
	"TBD":  models.StatusScheduled,
	"PRE":  models.StatusScheduled,
	"Q1":   models.StatusLive,
	"Q2":   models.StatusLive,
	"Q3":   models.StatusLive,
	"Q4":   models.StatusLive,
	"OT":   models.StatusLive,
	"BT":   models.StatusLive,
	"HT":   models.StatusLive,
	"P1":   models.StatusLive,
	"P2":   models.StatusLive,
	"P3":   models.StatusLive,
	"IN":   models.StatusLive,
	"LIVE": models.StatusLive,
	"FT":   models.StatusFinal,
	"AOT":  models.StatusFinal,
	"POST": models.StatusFinal,
	"PST":  models.StatusPostponed,
	"PPD":  models.StatusPostponed,
	"SUSP": models.StatusPostponed,
	"INT":  models.StatusPostponed,
	"CANC": models.StatusCanceled,
	"ABD":  models.StatusCanceled,
	"AWD":  models.StatusFinal,
	"WO":   models.StatusFinal,
}

// Soccer fixture feeds overlap heavily with the American set but add the
// half/extra-time phases and penalty shootouts.
var fixtureCodes = map[string]models.EventStatus{
	"1H":  models.StatusLive,
	"2H":  models.StatusLive,
	"ET":  models.StatusLive,
	"P":   models.StatusLive,
	"AET": models.StatusFinal,
	"PEN": models.StatusFinal,
}

// Spelled-out statuses some feeds use instead of short codes.
var longForms = map[string]models.EventStatus{
	"NOT STARTED":    models.StatusScheduled,
	"SCHEDULED":      models.StatusScheduled,
	"UPCOMING":       models.StatusScheduled,
	"IN PROGRESS":    models.StatusLive,
	"IN PLAY":        models.StatusLive,
	"HALFTIME":       models.StatusLive,
	"OVERTIME":       models.StatusLive,
	"FINAL":          models.StatusFinal,
	"FINISHED":       models.StatusFinal,
	"MATCH FINISHED": models.StatusFinal,
	"GAME FINISHED":  models.StatusFinal,
	"FULL TIME":      models.StatusFinal,
	"ENDED":          models.StatusFinal,
	"COMPLETED":      models.StatusFinal,
	"POSTPONED":      models.StatusPostponed,
	"DELAYED":        models.StatusPostponed,
	"SUSPENDED":      models.StatusPostponed,
	"CANCELLED":      models.StatusCanceled,
	"CANCELED":       models.StatusCanceled,
	"ABANDONED":      models.StatusCanceled,
}

// likelyFinalAfter is how long past the scheduled start an event with scores
// but an unrecognized status is presumed finished.
const likelyFinalAfter = 5 * time.Hour

// Normalize classifies a provider status into a canonical lifecycle state.
// It is total: every input maps to one of the five states and it never
// errors. Unrecognized strings fall back to SCHEDULED unless scores are
// present, in which case elapsed time against the scheduled start decides
// between LIVE and FINAL.
func Normalize(provider, raw string, home, away *int, startsAt, now time.Time) models.EventStatus {
	key := strings.ToUpper(strings.TrimSpace(raw))

	if s, ok := americanCodes[key]; ok {
		return s
	}
	if s, ok := fixtureCodes[key]; ok {
		return s
	}
	if s, ok := longForms[key]; ok {
		return s
	}

	// Unknown status. With no score data the safe reading is "not started".
	if home == nil && away == nil {
		return models.StatusScheduled
	}

	// Scores exist, so the game at least began. An ordinary game is long
	// over a few hours past its scheduled tip.
	if !startsAt.IsZero() && now.Sub(startsAt) > likelyFinalAfter {
		return models.StatusFinal
	}
	return models.StatusLive
}
