package deflector_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/index/file"
	"github.com/kerk1/ThreatHunting-graylog/internal/index/memory"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// flakyBackend fails selected operations a set number of times.
type flakyBackend struct {
	*memory.Backend
	createFailures  atomic.Int32
	resolveFailures atomic.Int32
}

var errInjected = errors.New("injected failure")

func (b *flakyBackend) CreateIndex(ctx context.Context, name string) error {
	if b.createFailures.Add(-1) >= 0 {
		return errInjected
	}
	return b.Backend.CreateIndex(ctx, name)
}

func (b *flakyBackend) ResolveAlias(ctx context.Context, alias string) (string, error) {
	if b.resolveFailures.Add(-1) >= 0 {
		return "", errInjected
	}
	return b.Backend.ResolveAlias(ctx, alias)
}

type election struct{ master atomic.Bool }

func (e *election) IsMaster() bool { return e.master.Load() }

func newElection(master bool) *election {
	e := &election{}
	e.master.Store(master)
	return e
}

func newFlaky() *flakyBackend {
	return &flakyBackend{Backend: memory.New(memory.Config{})}
}

func setUp(t *testing.T, cfg deflector.Config) *deflector.Deflector {
	t.Helper()
	if cfg.SetUpBackoff == 0 {
		cfg.SetUpBackoff = time.Millisecond
	}
	d := deflector.New(cfg)
	if err := d.SetUp(context.Background()); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	return d
}

func appendDocs(t *testing.T, b *memory.Backend, index string, n int) {
	t.Helper()
	for i := range n {
		if err := b.Append(context.Background(), index, map[string]any{"i": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestSetUpCreatesAlias(t *testing.T) {
	b := memory.New(memory.Config{})
	d := setUp(t, deflector.Config{Alias: "deflector", Prefix: "graylog", Backend: b})

	target, ok := d.Target()
	if !ok {
		t.Fatal("no target after SetUp")
	}
	if target.Index != "graylog_0" || target.Alias != "deflector" || target.Generation != 0 {
		t.Fatalf("Target = %+v", target)
	}
	if d.State() != deflector.AliasOK {
		t.Fatalf("State = %v, want alias_ok", d.State())
	}
	got, err := b.ResolveAlias(context.Background(), "deflector")
	if err != nil || got != "graylog_0" {
		t.Fatalf("backend alias = %q, %v", got, err)
	}
}

func TestSetUpAdoptsExistingAlias(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	if err := b.CreateIndex(ctx, "graylog_7"); err != nil {
		t.Fatal(err)
	}
	if err := b.PointAliasAtomic(ctx, "deflector", "graylog_7", ""); err != nil {
		t.Fatal(err)
	}

	d := setUp(t, deflector.Config{Alias: "deflector", Prefix: "graylog", Backend: b, Election: newElection(false)})
	if target, _ := d.Target(); target.Index != "graylog_7" {
		t.Fatalf("Target = %+v, want graylog_7", target)
	}
}

func TestSetUpNonMasterWithoutAlias(t *testing.T) {
	d := deflector.New(deflector.Config{
		Backend:       memory.New(memory.Config{}),
		Election:      newElection(false),
		SetUpAttempts: 2,
		SetUpBackoff:  time.Millisecond,
	})
	err := d.SetUp(context.Background())
	if !errors.Is(err, deflector.ErrSetUp) || !errors.Is(err, deflector.ErrAliasNotFound) {
		t.Fatalf("SetUp error = %v, want ErrSetUp wrapping ErrAliasNotFound", err)
	}
	if d.State() != deflector.NoAlias {
		t.Fatalf("State = %v, want no_alias", d.State())
	}
	if _, ok := d.Target(); ok {
		t.Fatal("target published without alias")
	}
}

func TestSetUpRetries(t *testing.T) {
	b := newFlaky()
	b.resolveFailures.Store(2)
	d := deflector.New(deflector.Config{Backend: b, SetUpAttempts: 3, SetUpBackoff: time.Millisecond})
	if err := d.SetUp(context.Background()); err != nil {
		t.Fatalf("SetUp with 2 transient failures: %v", err)
	}

	b = newFlaky()
	b.resolveFailures.Store(10)
	d = deflector.New(deflector.Config{Backend: b, SetUpAttempts: 3, SetUpBackoff: time.Millisecond})
	err := d.SetUp(context.Background())
	if !errors.Is(err, deflector.ErrSetUp) || !errors.Is(err, errInjected) {
		t.Fatalf("SetUp error = %v, want ErrSetUp wrapping injected failure", err)
	}
}

func TestSetUpHonoursContext(t *testing.T) {
	b := newFlaky()
	b.resolveFailures.Store(100)
	d := deflector.New(deflector.Config{Backend: b, SetUpAttempts: 100, SetUpBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if err := d.SetUp(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("SetUp error = %v, want context.Canceled", err)
	}
}

func TestRotationAtThreshold(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	counters := throughput.New()
	d := setUp(t, deflector.Config{
		Prefix:   "graylog",
		Backend:  b,
		Rotation: deflector.NewDocCountPolicy(1000),
		Counters: counters,
	})

	appendDocs(t, b, "graylog_0", 999)
	rotated, err := d.Evaluate(ctx)
	if err != nil || rotated {
		t.Fatalf("Evaluate at 999 docs = %v, %v; want no rotation", rotated, err)
	}

	appendDocs(t, b, "graylog_0", 1)
	rotated, err = d.Evaluate(ctx)
	if err != nil || !rotated {
		t.Fatalf("Evaluate at 1000 docs = %v, %v; want rotation", rotated, err)
	}
	target, _ := d.Target()
	if target.Index != "graylog_1" || target.Generation != 1 {
		t.Fatalf("Target after rotation = %+v", target)
	}

	rotated, _ = d.Evaluate(ctx)
	if rotated {
		t.Fatal("fresh index rotated again")
	}
	if got := counters.Get(throughput.Rotations); got != 1 {
		t.Fatalf("rotations counter = %d, want 1", got)
	}
	if got, _ := b.ResolveAlias(ctx, deflector.DefaultAlias); got != "graylog_1" {
		t.Fatalf("backend alias = %q, want graylog_1", got)
	}
}

func TestConcurrentEvaluateRotatesOnce(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	counters := throughput.New()
	d := setUp(t, deflector.Config{
		Backend:  b,
		Rotation: deflector.NewDocCountPolicy(1000),
		Counters: counters,
	})
	appendDocs(t, b, "graylog_0", 1000)

	var (
		wg      sync.WaitGroup
		rotated atomic.Int32
		start   = make(chan struct{})
	)
	for range 32 {
		wg.Go(func() {
			<-start
			ok, err := d.Evaluate(ctx)
			if err != nil {
				t.Errorf("Evaluate: %v", err)
			}
			if ok {
				rotated.Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	if got := rotated.Load(); got != 1 {
		t.Fatalf("%d callers reported a rotation, want 1", got)
	}
	infos, _ := b.ListIndices(ctx)
	if len(infos) != 2 {
		t.Fatalf("got %d indices, want 2: %+v", len(infos), infos)
	}
	if got := counters.Get(throughput.Rotations); got != 1 {
		t.Fatalf("rotations counter = %d, want 1", got)
	}
}

func TestNonMasterDoesNotRotate(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	elect := newElection(true)
	master := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewDocCountPolicy(10), Election: elect})

	follower := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewDocCountPolicy(10), Election: newElection(false)})
	appendDocs(t, b, "graylog_0", 10)

	if rotated, err := follower.Evaluate(ctx); rotated || err != nil {
		t.Fatalf("follower Evaluate = %v, %v; want no-op", rotated, err)
	}
	if infos, _ := b.ListIndices(ctx); len(infos) != 1 {
		t.Fatalf("follower created indices: %+v", infos)
	}

	if rotated, err := master.Evaluate(ctx); !rotated || err != nil {
		t.Fatalf("master Evaluate = %v, %v; want rotation", rotated, err)
	}

	// The follower picks the master's rotation up on its next tick.
	follower.Tick(ctx)
	target, _ := follower.Target()
	if target.Index != "graylog_1" || target.Generation != 1 {
		t.Fatalf("follower target = %+v, want graylog_1 gen 1", target)
	}

	// Demoted master stops rotating.
	elect.master.Store(false)
	appendDocs(t, b, "graylog_1", 10)
	if rotated, _ := master.Evaluate(ctx); rotated {
		t.Fatal("demoted master rotated")
	}
}

func TestCreateFailureKeepsTarget(t *testing.T) {
	ctx := context.Background()
	b := newFlaky()
	counters := throughput.New()
	d := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewDocCountPolicy(5), Counters: counters})
	appendDocs(t, b.Backend, "graylog_0", 5)

	b.createFailures.Store(1)
	rotated, err := d.Evaluate(ctx)
	if rotated || !errors.Is(err, deflector.ErrRotation) {
		t.Fatalf("Evaluate = %v, %v; want ErrRotation", rotated, err)
	}
	if d.State() != deflector.Rotating {
		t.Fatalf("State = %v, want rotating", d.State())
	}
	if target, _ := d.Target(); target.Index != "graylog_0" {
		t.Fatalf("target moved to %q after failed rotation", target.Index)
	}
	if got := counters.Get(throughput.RotationFailures); got != 1 {
		t.Fatalf("rotation failures = %d, want 1", got)
	}

	// Writes keep landing on the old target and the next evaluation recovers.
	appendDocs(t, b.Backend, "graylog_0", 1)
	rotated, err = d.Evaluate(ctx)
	if !rotated || err != nil {
		t.Fatalf("retry Evaluate = %v, %v; want rotation", rotated, err)
	}
	if d.State() != deflector.AliasOK {
		t.Fatalf("State after recovery = %v", d.State())
	}
	if target, _ := d.Target(); target.Index != "graylog_1" {
		t.Fatalf("target after recovery = %q", target.Index)
	}
}

func TestRetentionAfterRotation(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	d := setUp(t, deflector.Config{
		Backend:   b,
		Rotation:  deflector.NewDocCountPolicy(1),
		Retention: deflector.NewCountRetentionPolicy(2),
	})

	for i := range 3 {
		target, _ := d.Target()
		appendDocs(t, b, target.Index, 1)
		if rotated, err := d.Evaluate(ctx); !rotated || err != nil {
			t.Fatalf("rotation %d: %v, %v", i, rotated, err)
		}
	}

	infos, _ := b.ListIndices(ctx)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	if len(names) != 2 || names[0] != "graylog_2" || names[1] != "graylog_3" {
		t.Fatalf("indices after retention = %v, want [graylog_2 graylog_3]", names)
	}
}

// recordingArchiver fails its first failFirst calls.
type recordingArchiver struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	archived  []string
}

func (a *recordingArchiver) Archive(_ context.Context, index string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failFirst {
		return errInjected
	}
	a.archived = append(a.archived, index)
	return nil
}

func TestRetentionArchivesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.Config{})
	counters := throughput.New()
	arch := &recordingArchiver{failFirst: 1}
	d := setUp(t, deflector.Config{
		Backend:   b,
		Rotation:  deflector.NewDocCountPolicy(1),
		Retention: deflector.NewCountRetentionPolicy(2),
		Archiver:  arch,
		Counters:  counters,
	})

	rotate := func() {
		t.Helper()
		target, _ := d.Target()
		appendDocs(t, b, target.Index, 1)
		if rotated, err := d.Evaluate(ctx); !rotated || err != nil {
			t.Fatalf("rotation: %v, %v", rotated, err)
		}
	}

	rotate()
	rotate()
	if _, err := b.DocCount(ctx, "graylog_0"); err != nil {
		t.Fatalf("graylog_0 deleted although its archive failed: %v", err)
	}
	if got := counters.Get(throughput.ArchiveFailures); got != 1 {
		t.Errorf("archive_failures = %d, want 1", got)
	}

	rotate()
	if len(arch.archived) != 2 || arch.archived[0] != "graylog_0" || arch.archived[1] != "graylog_1" {
		t.Errorf("archived = %v", arch.archived)
	}
	infos, _ := b.ListIndices(ctx)
	if len(infos) != 2 {
		t.Errorf("indices = %+v", infos)
	}
	if got := counters.Get(throughput.IndicesDeleted); got != 2 {
		t.Errorf("indices_deleted = %d, want 2", got)
	}
}

func TestAgeRotation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := memory.New(memory.Config{Now: clock})
	d := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewAgePolicy(time.Hour), Now: clock})

	now = now.Add(time.Hour)
	if rotated, _ := d.Evaluate(ctx); rotated {
		t.Fatal("rotated at exactly max age")
	}
	now = now.Add(time.Second)
	if rotated, err := d.Evaluate(ctx); !rotated || err != nil {
		t.Fatalf("Evaluate past max age = %v, %v", rotated, err)
	}
}

func TestEvaluateBeforeSetUp(t *testing.T) {
	d := deflector.New(deflector.Config{Backend: memory.New(memory.Config{})})
	if _, err := d.Evaluate(context.Background()); !errors.Is(err, deflector.ErrNoTarget) {
		t.Fatalf("Evaluate before SetUp = %v, want ErrNoTarget", err)
	}
}

func TestRunWakesOnNotify(t *testing.T) {
	b := memory.New(memory.Config{})
	d := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewDocCountPolicy(3), Interval: time.Hour})
	appendDocs(t, b, "graylog_0", 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if target, _ := d.Target(); target.Generation == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not rotate after Notify")
		}
		d.Notify()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStateString(t *testing.T) {
	tests := map[deflector.State]string{
		deflector.NoAlias:  "no_alias",
		deflector.AliasOK:  "alias_ok",
		deflector.Rotating: "rotating",
		deflector.State(9): "State(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

// appendBackend is a Backend that also accepts documents.
type appendBackend interface {
	deflector.Backend
	Append(ctx context.Context, index string, doc map[string]any) error
}

func TestAliasAlwaysResolvesDuringRotation(t *testing.T) {
	backends := []struct {
		name string
		open func(t *testing.T) appendBackend
	}{
		{"memory", func(*testing.T) appendBackend { return memory.New(memory.Config{}) }},
		{"file", func(t *testing.T) appendBackend {
			b, err := file.New(file.Config{Dir: t.TempDir()})
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		}},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := tt.open(t)
			d := setUp(t, deflector.Config{Backend: b, Rotation: deflector.NewDocCountPolicy(1)})
			first, _ := d.Target()

			stop := make(chan struct{})
			var wg sync.WaitGroup
			stopReaders := sync.OnceFunc(func() {
				close(stop)
				wg.Wait()
			})
			defer stopReaders()
			for range 4 {
				wg.Go(func() {
					var lastGen uint64
					for {
						select {
						case <-stop:
							return
						default:
						}
						target, ok := d.Target()
						if !ok {
							t.Error("Target() reported no target")
							return
						}
						if target.Generation < lastGen {
							t.Errorf("generation went back from %d to %d", lastGen, target.Generation)
							return
						}
						lastGen = target.Generation
						if _, err := b.DocCount(ctx, target.Index); err != nil {
							t.Errorf("target index %s: %v", target.Index, err)
							return
						}
						name, err := b.ResolveAlias(ctx, first.Alias)
						if err != nil {
							t.Errorf("ResolveAlias: %v", err)
							return
						}
						if _, err := b.DocCount(ctx, name); err != nil {
							t.Errorf("resolved index %s: %v", name, err)
							return
						}
					}
				})
			}

			const rotations = 50
			for i := range rotations {
				target, _ := d.Target()
				if err := b.Append(ctx, target.Index, map[string]any{"i": i}); err != nil {
					t.Fatalf("Append: %v", err)
				}
				rotated, err := d.Evaluate(ctx)
				if err != nil || !rotated {
					t.Fatalf("Evaluate %d = %v, %v", i, rotated, err)
				}
			}
			stopReaders()

			last, _ := d.Target()
			if last.Generation != first.Generation+rotations {
				t.Errorf("generation = %d, want %d", last.Generation, first.Generation+rotations)
			}
			name, err := b.ResolveAlias(ctx, first.Alias)
			if err != nil || name != last.Index {
				t.Errorf("alias resolves to %q (%v), want %q", name, err, last.Index)
			}
		})
	}
}
