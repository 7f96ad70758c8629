package memcheck

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/memtrace/internal/memcheck/report"
)

// Config is the session configuration, supplied once at session start and
// owned by the host. There is no global configuration.
type Config struct {
	// LeakCheck enables exit-time reachability classification. When
	// false, LeakCheck is a no-op and reports carry no leak records.
	LeakCheck bool

	// ShowKinds selects which classifications appear as detailed leak
	// records in the report. The leak summary always covers all
	// classifications regardless. Empty means show everything.
	ShowKinds []Classification

	// TrackOrigins enables provenance for undefined byte ranges. Purely
	// additive: it changes no classification or error detection, only
	// the detail attached to use-of-undefined findings.
	TrackOrigins bool

	// LeakSiteDepth is the number of stack frames that define an
	// allocation site when grouping leaks. 0 groups by the full trace.
	LeakSiteDepth int

	// Logger receives one entry per finding at the moment of detection.
	// Defaults to the standard logger tagged with the subsystem name.
	Logger *logrus.Entry
}

// DefaultConfig mirrors the conventional checker defaults: leak checking
// on, lost blocks shown, still-reachable blocks summarized only, origin
// tracking off (it costs four bytes of shadow per tracked byte).
func DefaultConfig() Config {
	return Config{
		LeakCheck: true,
		ShowKinds: []Classification{
			report.DefinitelyLost,
			report.IndirectlyLost,
			report.PossiblyLost,
		},
		LeakSiteDepth: 12,
	}
}

func (c *Config) validate() error {
	if c.LeakSiteDepth < 0 {
		return errors.Errorf("memcheck: LeakSiteDepth must be >= 0, got %d", c.LeakSiteDepth)
	}
	for _, k := range c.ShowKinds {
		if k > report.StillReachable {
			return errors.Errorf("memcheck: unknown leak classification %d in ShowKinds", k)
		}
	}
	return nil
}
