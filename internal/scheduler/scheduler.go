// Package scheduler fires ingestion runs on cron schedules with per-source
// mutual exclusion.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dyike/cortexfeed/internal/health"
	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/metrics"
	"github.com/dyike/cortexfeed/internal/provider"
)

// Outcome is what happened to a tick.
type Outcome string

const (
	OutcomeStarted         Outcome = "started"
	OutcomeSkippedOverlap  Outcome = "skipped_overlap"
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
)

// Runner executes one source synchronously.
type Runner interface {
	Run(ctx context.Context, id string, req ingest.Request) (ingest.Summary, error)
}

// Sources is the registry view the scheduler needs.
type Sources interface {
	Configs() []provider.SourceConfig
	Config(id string) (provider.SourceConfig, bool)
	IsDisabled(id string) bool
}

// Evaluator applies the auto-disable policy after a run.
type Evaluator interface {
	Evaluate(ctx context.Context, id string) (health.Verdict, error)
}

// Entry describes one scheduled source.
type Entry struct {
	SourceID string     `json:"sourceId"`
	Cron     string     `json:"cron"`
	Running  bool       `json:"running"`
	Next     *time.Time `json:"next,omitempty"`
	Prev     *time.Time `json:"prev,omitempty"`
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron expression: five fields, six with seconds, or a
// descriptor such as @hourly or @every 5m.
func ParseSpec(spec string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(spec))
}

// Scheduler owns the cron timers and the per-source running flags.
type Scheduler struct {
	runner  Runner
	sources Sources
	health  Evaluator
	prom    *metrics.Collectors
	log     zerolog.Logger

	mu      sync.Mutex
	base    context.Context
	cron    *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string
	running map[string]bool
	wg      sync.WaitGroup
}

// New returns a stopped scheduler. healthEval and prom may be nil.
func New(runner Runner, sources Sources, healthEval Evaluator, prom *metrics.Collectors, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:  runner,
		sources: sources,
		health:  healthEval,
		prom:    prom,
		log:     log,
		base:    context.Background(),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
		running: map[string]bool{},
	}
}

// Start schedules every registered source with a valid cron expression and
// returns how many were scheduled. Once ctx is done running sources stop at
// their next batch boundary; calls already in flight are allowed to finish.
func (s *Scheduler) Start(ctx context.Context) int {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	return s.install()
}

func (s *Scheduler) install() int {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	entries := map[string]cron.EntryID{}
	specs := map[string]string{}

	for _, cfg := range s.sources.Configs() {
		spec := strings.TrimSpace(cfg.ScheduleCron)
		if !cfg.Enabled || spec == "" {
			continue
		}
		l := s.log.With().Str("source", cfg.ID).Str("cron", spec).Logger()
		sched, err := ParseSpec(spec)
		if err != nil {
			l.Warn().Err(err).Msg("invalid cron expression, not scheduling")
			continue
		}
		id := cfg.ID
		entries[id] = c.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
		specs[id] = spec
		l.Info().Msg("source scheduled")
	}

	s.mu.Lock()
	s.cron = c
	s.entries = entries
	s.specs = specs
	s.mu.Unlock()

	c.Start()
	return len(entries)
}

// Stop cancels every trigger. The returned context is done once running cron
// jobs have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	s.mu.Unlock()

	if c == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.Stop()
}

// Restart re-derives the triggers from the current registry. In-flight runs
// keep their running flags.
func (s *Scheduler) Restart() int {
	s.Stop()
	n := s.install()
	s.log.Info().Int("scheduled", n).Msg("scheduler restarted")
	return n
}

// Wait blocks until every triggered run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Trigger runs id out of band, honouring the overlap and disable checks. The
// run itself happens in the background.
func (s *Scheduler) Trigger(id string) (Outcome, error) {
	if _, ok := s.sources.Config(id); !ok {
		return "", fmt.Errorf("%w: %s", provider.ErrSourceNotFound, id)
	}
	outcome := s.begin(id)
	if outcome != OutcomeStarted {
		return outcome, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(id, "manual")
	}()
	return outcome, nil
}

// fire is the cron callback.
func (s *Scheduler) fire(id string) {
	if s.begin(id) != OutcomeStarted {
		return
	}
	s.run(id, "schedule")
}

// begin claims the running flag for id when the tick may proceed.
func (s *Scheduler) begin(id string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log.With().Str("source", id).Logger()
	if s.running[id] {
		l.Warn().Msg("previous run still in flight, skipping tick")
		s.prom.SchedulerSkip(id, "overlap")
		return OutcomeSkippedOverlap
	}
	if s.sources.IsDisabled(id) {
		l.Info().Msg("source disabled, skipping tick")
		s.prom.SchedulerSkip(id, "disabled")
		return OutcomeSkippedDisabled
	}
	s.running[id] = true
	return OutcomeStarted
}

func (s *Scheduler) run(id, trigger string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	cfg, _ := s.sources.Config(id)
	l := s.log.With().Str("source", id).Str("trigger", trigger).Logger()
	summary, err := s.runner.Run(ctx, id, ingest.Request{
		Options: provider.Options{Rag: cfg.RagEnabled},
		Trigger: trigger,
	})
	if err != nil {
		l.Error().Err(err).Msg("scheduled run failed")
	} else {
		l.Info().
			Bool("success", summary.Success).
			Int("errors", summary.ErrorCount).
			Int64("duration_ms", summary.DurationMs).
			Msg("scheduled run finished")
	}

	if s.health == nil {
		return
	}
	if v, err := s.health.Evaluate(context.WithoutCancel(ctx), id); err != nil {
		l.Warn().Err(err).Msg("health evaluation failed")
	} else if v.Tripped {
		l.Warn().Int("streak", v.ConsecutiveFailures).Msg("auto-disabled after run")
	}
}

// Running reports whether a run of id is in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// Entries lists the scheduled sources ordered by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, eid := range s.entries {
		e := Entry{SourceID: id, Cron: s.specs[id], Running: s.running[id]}
		if s.cron != nil {
			ce := s.cron.Entry(eid)
			if !ce.Next.IsZero() {
				next := ce.Next
				e.Next = &next
			}
			if !ce.Prev.IsZero() {
				prev := ce.Prev
				e.Prev = &prev
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
