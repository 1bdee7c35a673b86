package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/detect"
	"github.com/banshee-data/crossview/internal/reid/features"
	"github.com/banshee-data/crossview/internal/timeutil"
)

// views is the fixed processing order of the two feeds.
var views = [2]reid.View{reid.Broadcast, reid.Tactical}

// Opener opens the frame source and detector for one view. It is called
// during LoadingModels; a missing or unreadable source should be reported
// as reid.ErrInput.
type Opener func(ctx context.Context, view reid.View) (detect.Source, detect.Detector, error)

// Sink receives the tracks and result during GeneratingOutput.
type Sink interface {
	Write(broadcast, tactical []reid.Track, result reid.MatchResult) error
}

// State is an immutable snapshot of a controller.
type State struct {
	Stage            Stage   `json:"stage"`
	StageIndex       int     `json:"stageIndex"`
	FractionComplete float64 `json:"fractionComplete"`
	Error            string  `json:"error,omitempty"`
	Err              error   `json:"-"`
}

// Controller runs one matching pipeline. Construct with NewController,
// subscribe observers, then call Run once.
type Controller struct {
	open     Opener
	cfg      *config.TuningConfig
	backbone features.Backbone
	clock    timeutil.Clock
	sinks    []Sink
	events   *Broadcaster

	mu     sync.Mutex
	ran    bool
	state  State
	result *reid.MatchResult

	// Owned by the goroutine executing Run.
	comp    *components
	crops   *features.CropStore
	sources [2]detect.Source
	dets    [2]detect.Detector
	tracks  [2][]reid.Track
	matched reid.MatchResult
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for processing time.
func WithClock(c timeutil.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithBackbone overrides the appearance backbone.
func WithBackbone(b features.Backbone) Option { return func(ctl *Controller) { ctl.backbone = b } }

// WithSink adds an output sink.
func WithSink(s Sink) Option { return func(ctl *Controller) { ctl.sinks = append(ctl.sinks, s) } }

// NewController returns a pending controller. A nil cfg uses defaults.
func NewController(open Opener, cfg *config.TuningConfig, opts ...Option) *Controller {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	c := &Controller{
		open:   open,
		cfg:    cfg,
		clock:  timeutil.RealClock{},
		events: NewBroadcaster(cfg.GetProgressBuffer()),
		state:  State{Stage: Pending},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe attaches an observer to the run's progress events.
func (c *Controller) Subscribe(obs Observer) *Subscription { return c.events.Subscribe(obs) }

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the match result once the run has completed.
func (c *Controller) Result() (reid.MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return reid.MatchResult{}, false
	}
	return *c.result, true
}

// Run executes the pipeline. It returns the result on Completed and a
// *reid.StageError otherwise; errors.Is(err, reid.ErrCancelled) identifies
// a cancelled run. Run may be called only once.
func (c *Controller) Run(ctx context.Context) (reid.MatchResult, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return reid.MatchResult{}, fmt.Errorf("controller already ran (state %s)", c.state.Stage)
	}
	c.ran = true
	c.mu.Unlock()
	defer c.closeSources()

	startedAt := c.clock.Now()
	steps := [WorkingStages]func(context.Context) error{
		c.loadModels,
		c.detectPlayers,
		c.extractFeatures,
		c.matchPlayers,
		c.generateOutput,
	}
	for i, step := range steps {
		stage := Stage(i)
		if err := ctx.Err(); err != nil {
			return c.stop(Cancelled, reid.Wrap(reid.ErrCancelled, stage.String(), "boundary", "", err))
		}
		if err := c.enter(stage); err != nil {
			return reid.MatchResult{}, err
		}
		if stage == GeneratingOutput {
			c.matched = c.matched.WithProcessingTime(c.clock.Since(startedAt))
		}
		if err := step(ctx); err != nil {
			if errors.Is(err, reid.ErrCancelled) {
				return c.stop(Cancelled, err)
			}
			return c.stop(Failed, err)
		}
	}

	res := c.matched
	c.mu.Lock()
	c.result = &res
	c.mu.Unlock()
	if err := c.enter(Completed); err != nil {
		return reid.MatchResult{}, err
	}
	diagf("run completed: %d/%d players matched, confidence %.3f, %s",
		res.MatchedPairs, res.TotalPlayers, res.ConfidenceScore, res.ProcessingTimeLabel())
	return res, nil
}

// enter performs a forward transition and publishes its event.
func (c *Controller) enter(to Stage) error {
	c.mu.Lock()
	from := c.state.Stage
	if from.Terminal() || to != from+1 {
		c.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	c.state = State{Stage: to, StageIndex: int(to), FractionComplete: entryFraction(to)}
	ev := eventFor(c.state)
	c.mu.Unlock()

	diagf("entering %s (%s)", to, to.Description())
	c.events.Publish(ev)
	return nil
}

// stop moves to Failed or Cancelled from the current stage.
func (c *Controller) stop(to Stage, cause error) (reid.MatchResult, error) {
	c.mu.Lock()
	from := c.state.Stage
	if from.Terminal() {
		c.mu.Unlock()
		return reid.MatchResult{}, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	idx := max(int(from), 0)
	stageName := Stage(idx).String()
	err := &reid.StageError{Stage: stageName, Err: cause}
	c.state = State{
		Stage:            to,
		StageIndex:       idx,
		FractionComplete: c.state.FractionComplete,
		Error:            cause.Error(),
		Err:              err,
	}
	ev := eventFor(c.state)
	c.mu.Unlock()

	if to == Failed {
		opsf("run failed in %s: %v", stageName, cause)
	} else {
		diagf("run cancelled in %s", stageName)
	}
	c.events.Publish(ev)
	return reid.MatchResult{}, err
}

// progress publishes an intra-stage event when the fraction has moved by at
// least a percent. within is the completed share of the current stage.
func (c *Controller) progress(stage Stage, within float64) {
	frac := (float64(stage) + reid.Clamp01(within)) / WorkingStages
	c.mu.Lock()
	if c.state.Stage != stage || frac-c.state.FractionComplete < 0.01 {
		c.mu.Unlock()
		return
	}
	c.state.FractionComplete = frac
	ev := eventFor(c.state)
	c.mu.Unlock()

	tracef("%s %.0f%%", stage, frac*100)
	c.events.Publish(ev)
}

func eventFor(s State) Event {
	name := s.Stage.String()
	desc := s.Stage.Description()
	return Event{
		StageIndex:       s.StageIndex,
		StageName:        name,
		FractionComplete: s.FractionComplete,
		State:            s.Stage,
		Description:      desc,
		Error:            s.Error,
	}
}

func (c *Controller) loadModels(ctx context.Context) error {
	if c.open == nil {
		return reid.Wrap(reid.ErrConfiguration, LoadingModels.String(), "open", "no source opener configured", nil)
	}
	c.crops = features.NewCropStore()
	comp, err := buildComponents(c.cfg, c.backbone, c.crops)
	if err != nil {
		return err
	}
	c.comp = comp

	for v, view := range views {
		src, det, err := c.open(ctx, view)
		if err != nil {
			return err
		}
		c.sources[v], c.dets[v] = src, det
	}
	for _, det := range c.dets {
		if l, ok := det.(detect.Loader); ok {
			if err := l.Load(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) detectPlayers(ctx context.Context) error {
	for v, view := range views {
		policy := c.comp.policy
		policy.OnFrame = func(f detect.Frame, dets []reid.Detection) {
			if f.Image != nil {
				c.crops.Add(f.Image, dets)
			}
		}
		policy.Progress = func(done, total int) {
			if total > 0 {
				c.progress(DetectingPlayers, (float64(v)+float64(done)/float64(total))/2)
			}
		}
		dets, stats, err := detect.Collect(ctx, c.sources[v], c.dets[v], policy)
		if err != nil {
			return err
		}
		trs, err := c.comp.aggregator.Aggregate(view, dets)
		if err != nil {
			return err
		}
		c.tracks[v] = trs
		diagf("%s: %d frames, %d detections, %d tracks (%d frames skipped)",
			view, stats.Frames, stats.Detections, len(trs), stats.Skipped)
	}
	return nil
}

func (c *Controller) extractFeatures(ctx context.Context) error {
	total := len(c.tracks[0]) + len(c.tracks[1])
	base := 0
	for v := range views {
		offset := base
		out, err := c.comp.extractor.EmbedAll(ctx, c.tracks[v], c.comp.workers, func(n int) {
			c.progress(ExtractingFeatures, float64(offset+n)/float64(total))
		})
		if err != nil {
			return err
		}
		c.tracks[v] = out
		base += len(out)
	}
	return nil
}

func (c *Controller) matchPlayers(ctx context.Context) error {
	out, err := c.comp.matcher.Match(ctx, c.tracks[0], c.tracks[1])
	if err != nil && reid.IsFatal(err) {
		return err
	}
	if err != nil {
		diagf("degenerate match: %v", err)
	} else {
		diagf("matched %d of %dx%d tracks using %s", out.Result.MatchedPairs, len(c.tracks[0]), len(c.tracks[1]), out.Method)
	}
	c.matched = out.Result
	return nil
}

func (c *Controller) generateOutput(ctx context.Context) error {
	for _, s := range c.sinks {
		if err := ctx.Err(); err != nil {
			return reid.Wrap(reid.ErrCancelled, GeneratingOutput.String(), "sink", "", err)
		}
		if err := s.Write(c.tracks[0], c.tracks[1], c.matched); err != nil {
			return reid.Wrap(reid.ErrInput, GeneratingOutput.String(), "write output", "", err)
		}
	}
	return nil
}

func (c *Controller) closeSources() {
	for _, s := range c.sources {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			opsf("closing %s source: %v", s.View(), err)
		}
	}
}
