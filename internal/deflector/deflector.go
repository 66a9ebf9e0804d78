// Package deflector keeps the index behind a stable write alias rotated.
//
// Writers never address an index directly. They resolve the deflector's
// Target, an alias plus the concrete index it currently points at, and
// write there. When the write index grows past the rotation policy the
// deflector creates the next index (<prefix>_<n+1>) and moves the alias to
// it in one atomic backend operation, then publishes the new Target.
// Readers load the Target through an atomic pointer and never see a
// half-updated value.
//
// Only the elected master rotates. Other nodes resolve the alias and follow
// the master's rotations.
//
// States:
//
//	NoAlias ──SetUp──▶ AliasOK ──threshold──▶ Rotating ──alias moved──▶ AliasOK
//	                                             │
//	                                             └─ create failed: stays Rotating,
//	                                                old target remains authoritative
package deflector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/callgroup"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/notify"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

var (
	// ErrRotation is returned by Evaluate when a rotation was due but could
	// not be completed. The previous target stays in use and the rotation
	// is retried on the next evaluation.
	ErrRotation = errors.New("index rotation failed")
	// ErrSetUp is returned by SetUp when the alias could not be
	// established within the configured attempts.
	ErrSetUp = errors.New("deflector setup failed")
	// ErrNoTarget is returned by Evaluate before SetUp succeeded.
	ErrNoTarget = errors.New("deflector has no target")
)

// State is the deflector's lifecycle state.
type State int32

const (
	NoAlias State = iota
	AliasOK
	Rotating
)

func (s State) String() string {
	switch s {
	case NoAlias:
		return "no_alias"
	case AliasOK:
		return "alias_ok"
	case Rotating:
		return "rotating"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Target is the current write destination.
type Target struct {
	Alias      string
	Index      string
	Generation uint64 // incremented on every completed rotation
}

// Election reports whether this node may rotate.
type Election interface {
	IsMaster() bool
}

// Defaults for zero Config values.
const (
	DefaultAlias         = "graylog_deflector"
	DefaultPrefix        = "graylog"
	DefaultInterval      = 10 * time.Second
	DefaultSetUpAttempts = 5
	DefaultSetUpBackoff  = 500 * time.Millisecond
)

// Config configures a Deflector.
type Config struct {
	Alias   string
	Prefix  string
	Backend Backend

	// Election gates rotation. Nil means this node is always master.
	Election Election

	// Rotation decides when to rotate. Nil never rotates.
	Rotation RotationPolicy
	// Retention selects old indices to delete after a rotation. Nil keeps
	// everything.
	Retention RetentionPolicy
	// Archiver copies an index away before retention deletes it. An index
	// whose archive fails is kept and retried after the next rotation.
	Archiver Archiver

	Interval      time.Duration
	SetUpAttempts int
	SetUpBackoff  time.Duration

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

type alwaysMaster struct{}

func (alwaysMaster) IsMaster() bool { return true }

// Deflector is the index rotation controller.
type Deflector struct {
	cfg      Config
	backend  Backend
	counters *throughput.Counters
	logger   *slog.Logger

	target atomic.Pointer[Target]
	state  atomic.Int32

	mu     sync.Mutex // serializes setup, evaluation and refresh
	calls  callgroup.Group[string, bool]
	wakeup *notify.Trigger
}

// New creates a deflector. Call SetUp before use.
func New(cfg Config) *Deflector {
	if cfg.Alias == "" {
		cfg.Alias = DefaultAlias
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Election == nil {
		cfg.Election = alwaysMaster{}
	}
	if cfg.Rotation == nil {
		cfg.Rotation = NeverRotatePolicy{}
	}
	if cfg.Retention == nil {
		cfg.Retention = NeverRetainPolicy{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SetUpAttempts <= 0 {
		cfg.SetUpAttempts = DefaultSetUpAttempts
	}
	if cfg.SetUpBackoff <= 0 {
		cfg.SetUpBackoff = DefaultSetUpBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	return &Deflector{
		cfg:      cfg,
		backend:  cfg.Backend,
		counters: cfg.Counters,
		logger:   logging.Default(cfg.Logger).With("component", "deflector", "alias", cfg.Alias),
		wakeup:   notify.NewTrigger(),
	}
}

// Target returns the current write target. ok is false before SetUp.
func (d *Deflector) Target() (t Target, ok bool) {
	p := d.target.Load()
	if p == nil {
		return Target{}, false
	}
	return *p, true
}

// State returns the current lifecycle state.
func (d *Deflector) State() State {
	return State(d.state.Load())
}

// IndexName returns the name of the n-th index.
func (d *Deflector) IndexName(n int) string {
	return d.cfg.Prefix + "_" + strconv.Itoa(n)
}

// indexNumber parses <prefix>_<n>. ok is false for foreign indices.
func (d *Deflector) indexNumber(name string) (int, bool) {
	rest, found := strings.CutPrefix(name, d.cfg.Prefix+"_")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SetUp establishes the target, retrying with exponential backoff up to
// SetUpAttempts times. If the alias exists its index is adopted. If not,
// the master creates <prefix>_0 and points the alias at it; other nodes
// keep retrying until the master has done so.
func (d *Deflector) SetUp(ctx context.Context) error {
	backoff := d.cfg.SetUpBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.SetUpAttempts; attempt++ {
		lastErr = d.setUpOnce(ctx)
		if lastErr == nil {
			return nil
		}
		d.logger.Warn("deflector setup attempt failed",
			"attempt", attempt, "of", d.cfg.SetUpAttempts, "error", lastErr)
		if attempt == d.cfg.SetUpAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrSetUp, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrSetUp, d.cfg.SetUpAttempts, lastErr)
}

func (d *Deflector) setUpOnce(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.backend.ResolveAlias(ctx, d.cfg.Alias)
	switch {
	case err == nil:
		d.publish(index, 0)
		d.logger.Info("deflector adopted existing alias", "index", index)
		return nil
	case !errors.Is(err, ErrAliasNotFound):
		return fmt.Errorf("resolve alias: %w", err)
	case !d.cfg.Election.IsMaster():
		return err
	}

	first := d.IndexName(0)
	if err := d.backend.CreateIndex(ctx, first); err != nil && !errors.Is(err, ErrIndexExists) {
		return fmt.Errorf("create index %s: %w", first, err)
	}
	if err := d.backend.PointAliasAtomic(ctx, d.cfg.Alias, first, ""); err != nil {
		return fmt.Errorf("point alias at %s: %w", first, err)
	}
	d.publish(first, 0)
	d.logger.Info("deflector created alias", "index", first)
	return nil
}

// publish stores a new target and moves to AliasOK. Must hold mu.
func (d *Deflector) publish(index string, generation uint64) {
	d.target.Store(&Target{Alias: d.cfg.Alias, Index: index, Generation: generation})
	d.state.Store(int32(AliasOK))
}

// Evaluate checks the rotation policy and rotates if it says so. Only the
// master rotates; on other nodes Evaluate is a no-op. Concurrent calls are
// collapsed into one evaluation and only the caller that ran it sees
// rotated == true, so a single threshold crossing yields a single rotation.
func (d *Deflector) Evaluate(ctx context.Context) (rotated bool, err error) {
	if !d.cfg.Election.IsMaster() {
		return false, nil
	}
	rotated, shared, err := d.calls.Do("evaluate", func() (bool, error) {
		return d.evaluate(ctx)
	})
	return rotated && !shared, err
}

func (d *Deflector) evaluate(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.target.Load()
	if cur == nil {
		return false, ErrNoTarget
	}

	docs, err := d.backend.DocCount(ctx, cur.Index)
	if err != nil {
		return false, fmt.Errorf("doc count %s: %w", cur.Index, err)
	}
	age, err := d.backend.IndexAge(ctx, cur.Index)
	if err != nil {
		return false, fmt.Errorf("index age %s: %w", cur.Index, err)
	}
	if !d.cfg.Rotation.ShouldRotate(IndexState{Name: cur.Index, Docs: docs, Age: age}) {
		return false, nil
	}

	d.state.Store(int32(Rotating))
	next, err := d.nextIndex(ctx, cur.Index)
	if err != nil {
		return false, d.rotationFailed(cur.Index, "", err)
	}
	if err := d.backend.CreateIndex(ctx, next); err != nil && !errors.Is(err, ErrIndexExists) {
		return false, d.rotationFailed(cur.Index, next, err)
	}
	if err := d.backend.PointAliasAtomic(ctx, d.cfg.Alias, next, cur.Index); err != nil {
		return false, d.rotationFailed(cur.Index, next, err)
	}

	d.publish(next, cur.Generation+1)
	d.counters.Inc(throughput.Rotations)
	d.logger.Info("index rotated",
		"from", cur.Index, "to", next, "docs", docs, "age", age, "generation", cur.Generation+1)

	d.applyRetention(ctx, next)
	return true, nil
}

func (d *Deflector) rotationFailed(from, to string, err error) error {
	d.counters.Inc(throughput.RotationFailures)
	d.logger.Error("index rotation failed, keeping current target",
		"from", from, "to", to, "error", err)
	return fmt.Errorf("%w: %s -> %s: %w", ErrRotation, from, to, err)
}

// nextIndex returns <prefix>_<n+1> where n is the highest number in use.
func (d *Deflector) nextIndex(ctx context.Context, current string) (string, error) {
	highest, ok := d.indexNumber(current)
	if !ok {
		highest = -1
	}
	infos, err := d.backend.ListIndices(ctx)
	if err != nil {
		return "", fmt.Errorf("list indices: %w", err)
	}
	for _, info := range infos {
		if n, ok := d.indexNumber(info.Name); ok && n > highest {
			highest = n
		}
	}
	return d.IndexName(highest + 1), nil
}

// ManagedIndices returns the indices named <prefix>_<n>, oldest first.
func (d *Deflector) ManagedIndices(ctx context.Context) ([]IndexInfo, error) {
	infos, err := d.backend.ListIndices(ctx)
	if err != nil {
		return nil, err
	}
	infos = slices.DeleteFunc(infos, func(info IndexInfo) bool {
		_, ok := d.indexNumber(info.Name)
		return !ok
	})
	slices.SortFunc(infos, func(a, b IndexInfo) int {
		na, _ := d.indexNumber(a.Name)
		nb, _ := d.indexNumber(b.Name)
		return na - nb
	})
	return infos, nil
}

func (d *Deflector) applyRetention(ctx context.Context, target string) {
	infos, err := d.ManagedIndices(ctx)
	if err != nil {
		d.logger.Warn("retention: list indices failed", "error", err)
		return
	}
	doomed := d.cfg.Retention.Apply(RetentionState{Indices: infos, Target: target, Now: d.cfg.Now()})
	for _, name := range doomed {
		if name == target {
			continue
		}
		if d.cfg.Archiver != nil {
			if err := d.cfg.Archiver.Archive(ctx, name); err != nil {
				d.counters.Inc(throughput.ArchiveFailures)
				d.logger.Warn("retention: archive failed, keeping index", "index", name, "error", err)
				continue
			}
		}
		if err := d.backend.DeleteIndex(ctx, name); err != nil {
			d.logger.Warn("retention: delete index failed", "index", name, "error", err)
			continue
		}
		d.counters.Inc(throughput.IndicesDeleted)
		d.logger.Info("retention: index deleted", "index", name)
	}
}

// Refresh re-resolves the alias. Non-master nodes use it to follow the
// master's rotations.
func (d *Deflector) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, err := d.backend.ResolveAlias(ctx, d.cfg.Alias)
	if err != nil {
		return fmt.Errorf("resolve alias: %w", err)
	}
	cur := d.target.Load()
	switch {
	case cur == nil:
		d.publish(index, 0)
	case cur.Index != index:
		d.publish(index, cur.Generation+1)
		d.logger.Info("alias moved by master", "from", cur.Index, "to", index)
	}
	return nil
}

// Notify asks the evaluator loop to run early. Writers call it when they
// have written enough documents that a rotation may be due.
func (d *Deflector) Notify() {
	d.wakeup.Notify()
}

// Tick runs one evaluation on the master or one refresh elsewhere.
// Errors are logged; the next tick retries.
func (d *Deflector) Tick(ctx context.Context) {
	if d.cfg.Election.IsMaster() {
		if _, err := d.Evaluate(ctx); err != nil && !errors.Is(err, ErrRotation) {
			d.logger.Warn("rotation evaluation failed", "error", err)
		}
		return
	}
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("alias refresh failed", "error", err)
	}
}

// Run calls Tick every Interval and whenever Notify is called, until ctx
// is done.
func (d *Deflector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wakeup.C():
		}
		d.Tick(ctx)
	}
}
