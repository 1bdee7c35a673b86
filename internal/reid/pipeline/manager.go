package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/monitoring"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/timeutil"
)

// ErrNoResult is returned by Manager.Result for runs that have not
// completed.
var ErrNoResult = errors.New("run has no result")

// maxRetainedRuns bounds the finished runs kept in memory.
const maxRetainedRuns = 64

// Request describes one run.
type Request struct {
	BroadcastSource string
	TacticalSource  string
	Config          *config.TuningConfig
	AnnotationsPath string
}

// RunRecorder persists run lifecycle changes. Recorder failures are logged
// and never affect the run.
type RunRecorder interface {
	InsertRun(rec reid.RunRecord) error
	UpdateRunStatus(runID, status, stage, errMsg string) error
	CompleteRun(runID string, result reid.MatchResult, completedAt time.Time) error
}

// ManagerOptions configures a Manager. Zero values are usable.
type ManagerOptions struct {
	// Base is merged under each request's config.
	Base *config.TuningConfig

	// DetectorURL is used for image-directory sources.
	DetectorURL string

	// Open overrides PathOpener.
	Open func(req Request) Opener

	// Sinks builds extra output sinks for a run.
	Sinks func(runID string, req Request) ([]Sink, error)

	Recorder RunRecorder
	Clock    timeutil.Clock
}

// Manager is the single-flight control surface: at most one run executes
// at a time and Start is rejected, not queued, while one is active.
type Manager struct {
	opts ManagerOptions

	mu     sync.Mutex
	runs   map[string]*managedRun
	order  []string
	active string
}

type managedRun struct {
	id        string
	req       Request
	ctl       *Controller
	cancel    context.CancelFunc
	done      chan struct{}
	createdAt time.Time
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Base == nil {
		opts.Base = config.EmptyTuningConfig()
	}
	return &Manager{opts: opts, runs: make(map[string]*managedRun)}
}

// Start validates req and launches a run in the background. The run
// outlives ctx; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	if req.BroadcastSource == "" || req.TacticalSource == "" {
		return "", reid.Wrap(reid.ErrInput, "", "start", "both broadcast and tactical sources are required", nil)
	}
	cfg := m.opts.Base.Merge(req.Config)
	if err := cfg.Validate(); err != nil {
		return "", reid.Wrap(reid.ErrConfiguration, "", "start", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return "", fmt.Errorf("%w: %s", reid.ErrRunInProgress, m.active)
	}

	runID := uuid.NewString()
	opener := PathOpener(req.BroadcastSource, req.TacticalSource, m.opts.DetectorURL)
	if m.opts.Open != nil {
		opener = m.opts.Open(req)
	}
	ctlOpts := []Option{WithClock(m.opts.Clock)}
	if m.opts.Sinks != nil {
		sinks, err := m.opts.Sinks(runID, req)
		if err != nil {
			return "", reid.Wrap(reid.ErrInput, "", "start", "output sinks", err)
		}
		for _, s := range sinks {
			ctlOpts = append(ctlOpts, WithSink(s))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &managedRun{
		id:        runID,
		req:       req,
		ctl:       NewController(opener, cfg, ctlOpts...),
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: m.opts.Clock.Now(),
	}
	m.record(func(rec RunRecorder) error {
		params, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return rec.InsertRun(reid.RunRecord{
			RunID:           runID,
			CreatedAt:       r.createdAt,
			BroadcastSource: req.BroadcastSource,
			TacticalSource:  req.TacticalSource,
			ParamsJSON:      string(params),
			Status:          reid.RunStatusRunning,
		})
	})

	m.runs[runID] = r
	m.order = append(m.order, runID)
	m.pruneLocked()
	m.active = runID

	go m.execute(runCtx, r)
	monitoring.Logf("[RunManager] Started run %s for %s vs %s", runID, req.BroadcastSource, req.TacticalSource)
	return runID, nil
}

func (m *Manager) execute(ctx context.Context, r *managedRun) {
	defer close(r.done)
	defer r.cancel()

	res, err := r.ctl.Run(ctx)

	m.mu.Lock()
	if m.active == r.id {
		m.active = ""
	}
	m.mu.Unlock()

	st := r.ctl.State()
	switch st.Stage {
	case Completed:
		m.record(func(rec RunRecorder) error { return rec.CompleteRun(r.id, res, m.opts.Clock.Now()) })
		monitoring.Logf("[RunManager] Completed run %s: %d matched of %d players", r.id, res.MatchedPairs, res.TotalPlayers)
	case Cancelled:
		m.record(func(rec RunRecorder) error {
			return rec.UpdateRunStatus(r.id, reid.RunStatusCancelled, Stage(st.StageIndex).String(), "")
		})
		monitoring.Logf("[RunManager] Cancelled run %s during %s", r.id, Stage(st.StageIndex))
	default:
		m.record(func(rec RunRecorder) error {
			return rec.UpdateRunStatus(r.id, reid.RunStatusFailed, Stage(st.StageIndex).String(), st.Error)
		})
		monitoring.Logf("[RunManager] Failed run %s: %v", r.id, err)
	}
}

func (m *Manager) record(fn func(RunRecorder) error) {
	if m.opts.Recorder == nil {
		return
	}
	if err := fn(m.opts.Recorder); err != nil {
		monitoring.Logf("[RunManager] Failed to record run state: %v", err)
	}
}

// pruneLocked forgets the oldest finished runs beyond maxRetainedRuns.
func (m *Manager) pruneLocked() {
	for len(m.order) > maxRetainedRuns {
		oldest := m.order[0]
		if oldest == m.active {
			return
		}
		delete(m.runs, oldest)
		m.order = m.order[1:]
	}
}

func (m *Manager) lookup(runID string) (*managedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", reid.ErrRunNotFound, runID)
	}
	return r, nil
}

// Cancel requests cooperative cancellation. Cancelling a finished run is
// acknowledged and has no effect.
func (m *Manager) Cancel(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	r.cancel()
	monitoring.Logf("[RunManager] Cancel requested for run %s", runID)
	return nil
}

// Subscribe attaches obs to a run's progress events.
func (m *Manager) Subscribe(runID string, obs Observer) (*Subscription, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.ctl.Subscribe(obs), nil
}

// State returns the run's current snapshot.
func (m *Manager) State(runID string) (State, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return State{}, err
	}
	return r.ctl.State(), nil
}

// Result returns the result of a completed run.
func (m *Manager) Result(runID string) (reid.MatchResult, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return reid.MatchResult{}, err
	}
	res, ok := r.ctl.Result()
	if !ok {
		return reid.MatchResult{}, fmt.Errorf("%w: run %s is %s", ErrNoResult, runID, r.ctl.State().Stage)
	}
	return res, nil
}

// Wait blocks until the run finishes or ctx is done, then returns its
// terminal state.
func (m *Manager) Wait(ctx context.Context, runID string) (State, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return State{}, err
	}
	select {
	case <-r.done:
		return r.ctl.State(), nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Active returns the id of the executing run, or "".
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Shutdown cancels the active run and waits for it to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	r := m.runs[m.active]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
