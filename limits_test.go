package delivery

import (
	"testing"
	"time"
)

func TestLimitInterval(t *testing.T) {
	cases := []struct {
		name  string
		limit Limit
		want  time.Duration
	}{
		{name: "60 rpm", limit: Limit{RequestsPerMinute: 60}, want: time.Second},
		{name: "30 rpm", limit: Limit{RequestsPerMinute: 30}, want: 2 * time.Second},
		{name: "180 rpm", limit: Limit{RequestsPerMinute: 180, RequestsPerSecond: 3}, want: time.Minute / 180},
		{name: "rps stricter", limit: Limit{RequestsPerMinute: 600, RequestsPerSecond: 1}, want: time.Second},
		{name: "rps only", limit: Limit{RequestsPerSecond: 4}, want: 250 * time.Millisecond},
		{name: "unlimited", limit: Limit{}, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.limit.Interval(); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLimitTableFallback(t *testing.T) {
	table := LimitTable{Limits: map[string]Limit{"slack": {RequestsPerMinute: 60}}}

	if got := table.For("slack"); got.RequestsPerMinute != 60 {
		t.Fatalf("expected slack limit, got %+v", got)
	}
	if got := table.For("unknown"); got != ConservativeLimit {
		t.Fatalf("expected conservative default, got %+v", got)
	}
	if !table.Has("slack") || table.Has("unknown") {
		t.Fatalf("unexpected Has result")
	}

	table.Default = Limit{RequestsPerMinute: 10}
	if got := table.For("unknown"); got.RequestsPerMinute != 10 {
		t.Fatalf("expected configured default, got %+v", got)
	}
}

func TestDefaultLimitsKnownIntegrations(t *testing.T) {
	table := DefaultLimits()
	for _, id := range []string{"slack", "discord", "google_docs", "notion", "hubspot", "custom_api"} {
		if !table.Has(id) {
			t.Fatalf("expected %s in default table", id)
		}
		if table.For(id).Interval() <= 0 {
			t.Fatalf("expected positive spacing for %s", id)
		}
	}
}
