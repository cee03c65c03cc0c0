package intervals

import "strings"

// Interval is one calibrated quantile stratum: n observations backing bounds
// q_low/q_high in seconds around the point-estimate ETA.
type Interval struct {
	N     int     `json:"n"`
	QLow  float64 `json:"q_low"`
	QHigh float64 `json:"q_high"`
}

// GlobalDefault is the interval of last resort when no artifact (or no global
// stratum) is available.
var GlobalDefault = Interval{N: 0, QLow: -180, QHigh: 300}

// Artifact is the calibration table produced offline. Strata get sparser from
// top to bottom; resolution falls through them in order. Never mutated after
// load.
type Artifact struct {
	GeneratedAt           string              `json:"generated_at,omitempty"`
	ByRouteDaytypeHorizon map[string]Interval `json:"by_route_daytype_horizon"`
	ByRouteDaytype        map[string]Interval `json:"by_route_daytype"`
	ByRoute               map[string]Interval `json:"by_route"`
	ByDaytypeHorizon      map[string]Interval `json:"by_daytype_horizon"`
	Global                *Interval           `json:"global,omitempty"`
}

// StratumKey joins key parts the way artifact producers do.
func StratumKey(parts ...string) string { return strings.Join(parts, "|") }

// strata is the ordered fallback chain; first hit wins, no merging. Adding a
// stratification level is one more row here.
var strata = []struct {
	name string
	key  func(route, daytype, horizon string) string
	get  func(a *Artifact) map[string]Interval
}{
	{
		"route_daytype_horizon",
		func(r, d, h string) string { return StratumKey(r, d, h) },
		func(a *Artifact) map[string]Interval { return a.ByRouteDaytypeHorizon },
	},
	{
		"route_daytype",
		func(r, d, _ string) string { return StratumKey(r, d) },
		func(a *Artifact) map[string]Interval { return a.ByRouteDaytype },
	},
	{
		"route",
		func(r, _, _ string) string { return r },
		func(a *Artifact) map[string]Interval { return a.ByRoute },
	},
	{
		"daytype_horizon",
		func(_, d, h string) string { return StratumKey(d, h) },
		func(a *Artifact) map[string]Interval { return a.ByDaytypeHorizon },
	},
}

// Resolve walks the fallback chain for (route, daytype, horizon) and returns
// the first matching interval plus the stratum it came from. A nil artifact
// resolves to the hardcoded default.
func (a *Artifact) Resolve(route, daytype, horizon string) (Interval, string) {
	if a != nil {
		for _, s := range strata {
			if m := s.get(a); m != nil {
				if iv, ok := m[s.key(route, daytype, horizon)]; ok {
					return iv, s.name
				}
			}
		}
		if a.Global != nil {
			return *a.Global, "global"
		}
	}
	return GlobalDefault, "default"
}
