// Package docker provides an input that follows container logs through the
// Docker Engine API. Each line becomes a GELF message carrying the same
// container fields as Docker's own GELF log driver.
package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Syslog levels for the two output streams.
const (
	levelInfo  = 6
	levelError = 3
)

const maxBackoff = 30 * time.Second

// labelKey turns a Docker label key into a field name.
var labelKey = strings.NewReplacer(".", "_", "-", "_", "/", "_")

// ingesterConfig holds parsed configuration for a Docker input.
type ingesterConfig struct {
	Name         string
	Filter       containerFilter
	PollInterval time.Duration
	Stdout       bool
	Stderr       bool
	StateFile    string
	Host         string // GELF host field; the node's hostname
	OnFull       flow.Mode
	Counters     *throughput.Counters
	Now          func() time.Time
	Logger       *slog.Logger
}

// ingester follows the logs of every matching container. Streams resume
// just after the last submitted line of each container, across restarts
// when a state file is configured.
type ingester struct {
	cfg    ingesterConfig
	client dockerClient
	logger *slog.Logger

	mu        sync.Mutex
	following map[string]context.CancelFunc
	marks     bookmarks
}

func newIngester(cfg ingesterConfig, client dockerClient) *ingester {
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ingester{
		cfg:       cfg,
		client:    client,
		logger:    logging.Default(cfg.Logger).With("component", "ingester", "type", "docker", "name", cfg.Name),
		following: make(map[string]context.CancelFunc),
		marks:     make(bookmarks),
	}
}

// Run implements orchestrator.Ingester.
func (ing *ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	marks, err := loadBookmarks(ing.cfg.StateFile)
	if err != nil {
		ing.logger.Warn("failed to load bookmarks, starting fresh", "error", err)
	}
	ing.mu.Lock()
	ing.marks = marks
	ing.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if !ing.waitForDocker(ctx) {
		return nil
	}

	ctl := flow.New(sink, flow.Config{Mode: ing.cfg.OnFull, Counters: ing.cfg.Counters})
	var wg sync.WaitGroup
	ing.discover(ctx, ctl, stop, &wg)
	wg.Go(func() { ing.eventLoop(ctx, ctl, stop, &wg) })
	if ing.cfg.PollInterval > 0 {
		wg.Go(func() { ing.pollLoop(ctx, ctl, stop, &wg) })
	}

	<-ctx.Done()
	wg.Wait()
	ing.save()
	return nil
}

// waitForDocker retries the daemon with backoff. It reports false when ctx
// ends first.
func (ing *ingester) waitForDocker(ctx context.Context) bool {
	backoff := time.Second
	for {
		_, err := ing.client.ContainerList(ctx)
		if err == nil {
			ing.logger.Info("connected to Docker daemon")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		ing.logger.Warn("Docker daemon not ready, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (ing *ingester) discover(ctx context.Context, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) {
	containers, err := ing.client.ContainerList(ctx)
	if err != nil {
		ing.logger.Warn("container list failed", "error", err)
		return
	}
	for _, c := range containers {
		ing.start(ctx, c, ctl, stop, wg)
	}
}

// start follows info's logs unless it is filtered out or already followed.
func (ing *ingester) start(ctx context.Context, info containerInfo, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) {
	if !ing.cfg.Filter.match(info) {
		return
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if _, ok := ing.following[info.ID]; ok {
		return
	}
	since := ing.cfg.Now()
	if ts, ok := ing.marks[info.ID]; ok {
		since = ts.Add(time.Nanosecond)
	}
	cctx, cancel := context.WithCancel(ctx)
	ing.following[info.ID] = cancel

	wg.Go(func() {
		defer cancel()
		if err := ing.follow(cctx, info, since, ctl); errors.Is(err, orchestrator.ErrNotRunning) {
			stop()
		}
		ing.mu.Lock()
		delete(ing.following, info.ID)
		ing.mu.Unlock()
	})
}

// follow streams one container, reconnecting with backoff, until ctx ends
// or the pipeline stops.
func (ing *ingester) follow(ctx context.Context, info containerInfo, since time.Time, ctl *flow.Controller) error {
	logger := ing.logger.With("container_id", shortID(info.ID), "container_name", info.Name)
	logger.Info("following container logs")

	backoff := time.Second
	for {
		err := ing.streamOnce(ctx, info, &since, ctl)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, orchestrator.ErrNotRunning) {
			return err
		}
		if err != nil {
			logger.Warn("container log stream error, reconnecting", "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// streamOnce reads one log stream to its end. since moves past every
// submitted line that carried a timestamp.
func (ing *ingester) streamOnce(ctx context.Context, info containerInfo, since *time.Time, ctl *flow.Controller) error {
	body, tty, err := ing.client.ContainerLogs(ctx, info.ID, *since, ing.cfg.Stdout, ing.cfg.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	unblock := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer unblock()

	r := newLogReader(body, tty || info.IsTTY)
	for {
		entry, err := r.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctl.Submit(ctx, ing.buildMessage(info, entry)); err != nil {
			return err
		}
		if !entry.Timestamp.IsZero() {
			*since = entry.Timestamp.Add(time.Nanosecond)
			ing.mark(info.ID, entry.Timestamp)
		}
	}
}

func (ing *ingester) buildMessage(info containerInfo, e logEntry) *message.Message {
	level := levelInfo
	if e.Stream == streamStderr.String() {
		level = levelError
	}
	fields := map[string]any{
		message.FieldVersion:      "1.1",
		message.FieldHost:         ing.cfg.Host,
		message.FieldShortMessage: string(e.Line),
		message.FieldLevel:        level,
		"container_id":            info.ID,
		"container_name":          info.Name,
		"image_name":              info.Image,
		"stream":                  e.Stream,
	}
	for k, v := range info.Labels {
		fields["label_"+labelKey.Replace(k)] = v
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = ing.cfg.Now()
	}
	return message.New(fields, ts, info.Name)
}

func (ing *ingester) mark(id string, ts time.Time) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if prev, ok := ing.marks[id]; !ok || ts.After(prev) {
		ing.marks[id] = ts
	}
}

func (ing *ingester) save() {
	ing.mu.Lock()
	marks := maps.Clone(ing.marks)
	ing.mu.Unlock()
	if err := saveBookmarks(ing.cfg.StateFile, marks); err != nil {
		ing.logger.Warn("failed to save bookmarks", "error", err)
	}
}

// eventLoop starts and stops streams as containers come and go. The event
// stream is reopened with backoff when it fails.
func (ing *ingester) eventLoop(ctx context.Context, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) {
	backoff := time.Second
	for ctx.Err() == nil {
		events, errs := ing.client.Events(ctx)
		if err := ing.consumeEvents(ctx, events, errs, ctl, stop, wg); err != nil {
			ing.logger.Warn("events stream error", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		// Events missed while disconnected.
		ing.discover(ctx, ctl, stop, wg)
	}
}

func (ing *ingester) consumeEvents(ctx context.Context, events <-chan containerEvent, errs <-chan error, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			ing.handleEvent(ctx, ev, ctl, stop, wg)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func (ing *ingester) handleEvent(ctx context.Context, ev containerEvent, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) {
	switch ev.Action {
	case "start":
		info, err := ing.client.ContainerInspect(ctx, ev.ContainerID)
		if err != nil {
			ing.logger.Warn("failed to inspect started container", "container_id", shortID(ev.ContainerID), "error", err)
			return
		}
		ing.start(ctx, info, ctl, stop, wg)
	case "die", "stop":
		ing.cancel(ev.ContainerID)
	case "destroy":
		ing.cancel(ev.ContainerID)
		ing.mu.Lock()
		delete(ing.marks, ev.ContainerID)
		ing.mu.Unlock()
	}
}

func (ing *ingester) cancel(id string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if cancel, ok := ing.following[id]; ok {
		cancel()
	}
}

// pollLoop rediscovers containers and checkpoints bookmarks.
func (ing *ingester) pollLoop(ctx context.Context, ctl *flow.Controller, stop context.CancelFunc, wg *sync.WaitGroup) {
	ticker := time.NewTicker(ing.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.discover(ctx, ctl, stop, wg)
			ing.save()
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
