package models

// HealthTier grades a check result.
type HealthTier string

const (
	HealthOK       HealthTier = "ok"
	HealthWarning  HealthTier = "warning"
	HealthCritical HealthTier = "critical"
)

// HealthCheck is one diagnostic result: what was checked, how bad it is,
// how many rows are affected, and a small sample for the operator.
type HealthCheck struct {
	Name    string                   `json:"name"`
	Tier    HealthTier               `json:"tier"`
	Count   int                      `json:"count"`
	Detail  string                   `json:"detail,omitempty"`
	Samples []map[string]interface{} `json:"samples,omitempty"`
}

// HealthReport bundles every check plus an overall tier (the worst of any
// individual check).
type HealthReport struct {
	Overall HealthTier    `json:"overall"`
	Checks  []HealthCheck `json:"checks"`
}

// Worse returns the more severe of two tiers.
func Worse(a, b HealthTier) HealthTier {
	rank := map[HealthTier]int{HealthOK: 0, HealthWarning: 1, HealthCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ErrorResponse is the JSON error envelope returned by the operator API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
