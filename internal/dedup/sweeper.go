package dedup

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the in-memory sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// Sweeper periodically purges expired ids from a Memory cache.
type Sweeper struct {
	cron   *cron.Cron
	cache  *Memory
	logger *slog.Logger
}

// NewSweeper registers the sweep job under spec, a cron expression or a
// descriptor such as "@every 5m".
func NewSweeper(cache *Memory, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	s := &Sweeper{cron: c, cache: cache, logger: logger}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	s.cache.Sweep()
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("dedup sweeper started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
