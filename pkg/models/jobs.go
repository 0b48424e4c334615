package models

import "time"

// JobName is the closed set of lockable job names.
type JobName string

const (
	JobDiscover JobName = "discover"
	JobSync     JobName = "sync"
	JobFinalize JobName = "finalize"
	JobSettle   JobName = "settle"
	JobBackfill JobName = "backfill"
)

// ValidJobName reports whether name is one of the known jobs.
func ValidJobName(name JobName) bool {
	switch name {
	case JobDiscover, JobSync, JobFinalize, JobSettle, JobBackfill:
		return true
	}
	return false
}

// JobLock is one lease row. At most one non-expired row exists per job name.
type JobLock struct {
	JobName   JobName   `json:"job_name"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LockedBy  string    `json:"locked_by"`
	Meta      string    `json:"meta,omitempty"`
}

// Expired reports whether the lease has passed its TTL as of now.
func (l *JobLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// LeagueResult is the per-league slice of a job summary.
type LeagueResult struct {
	League   League `json:"league"`
	Fetched  int    `json:"fetched"`
	Upserted int    `json:"upserted"`
	Errors   int    `json:"errors"`
}

// JobSummary is what every job returns across its boundary. Errors inside a
// job are captured here, never propagated, so a scheduler invoking jobs in
// sequence can keep going (and "skipped because locked" is distinguishable
// from "ran with errors").
type JobSummary struct {
	Job            JobName        `json:"job"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Skipped        bool           `json:"skipped"`
	SkippedBy      string         `json:"skipped_by,omitempty"`
	Fetched        int            `json:"fetched"`
	Upserted       int            `json:"upserted"`
	Finalized      int            `json:"finalized"`
	Enqueued       int            `json:"enqueued"`
	Settled        int            `json:"settled"`
	FinalNoMarkets int            `json:"final_no_markets"`
	Leagues        []LeagueResult `json:"leagues,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	FirstError     string         `json:"first_error,omitempty"`
}

// RecordError appends a per-unit error, keeping the first one prominent.
func (s *JobSummary) RecordError(msg string) {
	if s.FirstError == "" {
		s.FirstError = msg
	}
	s.Errors = append(s.Errors, msg)
}

// BackfillStatus is the state of a backfill run.
type BackfillStatus string

const (
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillCanceled  BackfillStatus = "canceled"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillRun tracks one bulk historical discovery run.
type BackfillRun struct {
	ID          string         `json:"id"`
	Status      BackfillStatus `json:"status"`
	Days        int            `json:"days"`
	DatesTotal  int            `json:"dates_total"`
	DatesDone   int            `json:"dates_done"`
	Fetched     int            `json:"fetched"`
	Upserted    int            `json:"upserted"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	FirstError  string         `json:"first_error,omitempty"`
}
