package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SchemaInfo is the outcome of one capability-negotiation pass over the
// events table: which columns this generation of the schema actually has,
// and which identity column anchors the upsert conflict key. It is computed
// once per job invocation and passed down to payload builders explicitly;
// there is no hidden cache.
type SchemaInfo struct {
	Columns     map[string]bool
	IdentityCol string
}

// Has reports whether the probed table carries a column.
func (si SchemaInfo) Has(col string) bool {
	return si.Columns[col]
}

// defaultEventColumns is the column set assumed when probing fails outright.
// It matches the current-generation schema in db.go.
var defaultEventColumns = []string{
	"id", "league", "external_id", "provider", "season", "starts_at",
	"status_raw", "status_norm", "home_team", "away_team",
	"home_score", "away_score", "finalized_at", "winner_side",
	"placeholder", "last_synced_at",
}

// identityCandidates in preference order: the text external key over the
// legacy integer key some older generations still carry.
var identityCandidates = []string{"external_id", "legacy_id"}

// ProbeSchema inspects which columns the events table has right now.
// Preferred source is information_schema; if that yields nothing it reads
// the column list off a sample row; if that also fails it assumes the
// default set. A pure function of the database's answers; callers hold the
// result for one invocation and drop it.
func ProbeSchema(ctx context.Context, db *sql.DB) (SchemaInfo, error) {
	cols, err := probeInformationSchema(ctx, db)
	if err != nil || len(cols) == 0 {
		cols, err = probeSampleRow(ctx, db)
	}
	if err != nil || len(cols) == 0 {
		cols = make(map[string]bool, len(defaultEventColumns))
		for _, c := range defaultEventColumns {
			cols[c] = true
		}
	}

	si := SchemaInfo{Columns: cols}
	for _, cand := range identityCandidates {
		if cols[cand] {
			si.IdentityCol = cand
			break
		}
	}
	if si.IdentityCol == "" {
		return SchemaInfo{}, fmt.Errorf("events table has no usable identity column")
	}
	return si, nil
}

func probeInformationSchema(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = 'events' AND table_schema = current_schema()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func probeSampleRow(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT * FROM events LIMIT 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cols := make(map[string]bool, len(names))
	for _, name := range names {
		cols[name] = true
	}
	return cols, nil
}

// Patterns that name the offending column in a schema-mismatch write error:
// the Postgres undefined-column message and the schema-cache style message
// some REST gateways return.
var missingColumnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`column "([a-zA-Z0-9_]+)" of relation`),
	regexp.MustCompile(`column "([a-zA-Z0-9_]+)" does not exist`),
	regexp.MustCompile(`[Cc]ould not find the '([a-zA-Z0-9_]+)' column`),
}

// MissingColumnFromError extracts the column name a failed write complained
// about, or "" when the error is not a recognizable schema mismatch.
func MissingColumnFromError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, pat := range missingColumnPatterns {
		if m := pat.FindStringSubmatch(msg); m != nil {
			return m[1]
		}
	}
	return ""
}
