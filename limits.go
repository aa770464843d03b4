package delivery

import "time"

// Limit is a provider rate ceiling.
type Limit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerSecond int `json:"requests_per_second"`
}

// Interval returns the minimum spacing between call starts: 60000/rpm ms, or 1000/rps ms
// when the per-second ceiling is stricter. A zero limit yields no spacing.
func (l Limit) Interval() time.Duration {
	var interval time.Duration
	if l.RequestsPerMinute > 0 {
		interval = time.Minute / time.Duration(l.RequestsPerMinute)
	}
	if l.RequestsPerSecond > 0 {
		if perSecond := time.Second / time.Duration(l.RequestsPerSecond); perSecond > interval {
			interval = perSecond
		}
	}

	return interval
}

// LimitTable is the static per-integration rate limit configuration.
type LimitTable struct {
	Limits  map[string]Limit `json:"limits"`
	Default Limit            `json:"default"`
}

// ConservativeLimit applies to integrations without an explicit entry.
var ConservativeLimit = Limit{RequestsPerMinute: 30, RequestsPerSecond: 1}

// DefaultLimits returns the built-in table of known integrations.
func DefaultLimits() LimitTable {
	return LimitTable{
		Limits: map[string]Limit{
			"slack":       {RequestsPerMinute: 60, RequestsPerSecond: 1},
			"discord":     {RequestsPerMinute: 50, RequestsPerSecond: 1},
			"google_docs": {RequestsPerMinute: 60, RequestsPerSecond: 1},
			"notion":      {RequestsPerMinute: 180, RequestsPerSecond: 3},
			"hubspot":     {RequestsPerMinute: 100, RequestsPerSecond: 10},
			"custom_api":  {RequestsPerMinute: 30, RequestsPerSecond: 1},
			"email":       {RequestsPerMinute: 60, RequestsPerSecond: 1},
			"kafka":       {RequestsPerMinute: 6000, RequestsPerSecond: 100},
		},
		Default: ConservativeLimit,
	}
}

// For returns the limit of an integration, falling back to the table default.
func (t LimitTable) For(integrationID string) Limit {
	if limit, ok := t.Limits[integrationID]; ok {
		return limit
	}
	if t.Default == (Limit{}) {
		return ConservativeLimit
	}

	return t.Default
}

// Has reports whether the integration has an explicit entry.
func (t LimitTable) Has(integrationID string) bool {
	_, ok := t.Limits[integrationID]

	return ok
}
