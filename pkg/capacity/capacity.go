// Package capacity tracks the execution slots offered by each site.
package capacity

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/gridqueue/gridqueue/pkg/element"
)

// Site is one execution site and the resources each of its slots offers.
type Site struct {
	Name      string            `yaml:"name" json:"name"`
	Slots     int               `yaml:"slots" json:"slots"`
	Resources element.Resources `yaml:"resources" json:"resources"`
}

// Provider reports the sites a local queue may run work at.
type Provider interface {
	Sites(ctx context.Context) ([]Site, error)
}

// SiteList is a flag value of the form name=slots,name=slots.
type SiteList []Site

func (l *SiteList) String() string {
	parts := make([]string, 0, len(*l))
	for _, s := range *l {
		parts = append(parts, fmt.Sprintf("%s=%d", s.Name, s.Slots))
	}
	return strings.Join(parts, ",")
}

func (l *SiteList) Set(v string) error {
	var sites SiteList
	for _, part := range strings.Split(v, ",") {
		if part == "" {
			continue
		}
		name, slots, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("site %q: expected name=slots", part)
		}
		n, err := strconv.Atoi(slots)
		if err != nil || n < 0 {
			return fmt.Errorf("site %q: invalid slot count", part)
		}
		sites = append(sites, Site{Name: name, Slots: n})
	}
	*l = sites
	return nil
}

type Config struct {
	Sites           SiteList      `yaml:"sites"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Sites, prefix+"capacity.sites", "Execution sites served by this queue, as name=slots pairs separated by commas.")
	f.DurationVar(&cfg.RefreshInterval, prefix+"capacity.refresh-interval", 30*time.Second, "How often site capacity is refreshed.")
}

func (cfg *Config) Validate() error {
	if len(cfg.Sites) == 0 {
		return fmt.Errorf("at least one execution site is required")
	}
	if cfg.RefreshInterval <= 0 {
		return fmt.Errorf("capacity refresh interval must be positive")
	}
	return nil
}

// Static serves a fixed site list.
type Static []Site

func (s Static) Sites(context.Context) ([]Site, error) {
	return append([]Site(nil), s...), nil
}

// Tracker keeps the latest site snapshot. Readers never block on a refresh.
type Tracker struct {
	services.Service

	provider Provider
	logger   log.Logger
	sites    atomic.Pointer[[]Site]
}

func NewTracker(cfg Config, provider Provider, logger log.Logger) *Tracker {
	t := &Tracker{
		provider: provider,
		logger:   log.With(logger, "component", "capacity"),
	}
	t.sites.Store(&[]Site{})
	t.Service = services.NewTimerService(cfg.RefreshInterval, t.refresh, t.iteration, nil).WithName("capacity-tracker")
	return t
}

func (t *Tracker) refresh(ctx context.Context) error {
	sites, err := t.provider.Sites(ctx)
	if err != nil {
		return err
	}
	t.sites.Store(&sites)
	return nil
}

func (t *Tracker) iteration(ctx context.Context) error {
	// A failed refresh keeps the previous snapshot.
	if err := t.refresh(ctx); err != nil {
		level.Warn(t.logger).Log("msg", "failed to refresh site capacity", "err", err)
	}
	return nil
}

// Sites returns the current snapshot. It implements Provider so a tracker
// can stand in for its source.
func (t *Tracker) Sites(context.Context) ([]Site, error) {
	return append([]Site(nil), *t.sites.Load()...), nil
}
