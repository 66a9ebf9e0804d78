// Package metrics provides a self-monitoring input that emits one GELF
// message per interval describing the node: process CPU and memory plus
// the fill level of the pipeline buffers. Streams and outputs treat these
// messages like any other, so node health can be indexed and alerted on.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/sysmetrics"
)

const defaultInterval = 30 * time.Second

// StatsSource reports buffer occupancy. *orchestrator.Orchestrator
// implements it.
type StatsSource interface {
	IntakeSize() int
	IntakeCapacity() int
	DeliverySize() int
	DeliveryCapacity() int
}

type ingester struct {
	name     string
	host     string
	interval time.Duration
	src      StatsSource
	sampler  *sysmetrics.Sampler
	now      func() time.Time
	logger   *slog.Logger
}

// Run emits one metrics message per interval until ctx is cancelled. A
// sample that meets a full intake is skipped; the next one supersedes it.
func (m *ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	m.logger.Info("started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := sink.Submit(m.collect())
		switch {
		case errors.Is(err, orchestrator.ErrNotRunning):
			return nil
		case errors.Is(err, orchestrator.ErrBufferFull):
			m.logger.Debug("intake full, metrics sample skipped")
		}
	}
}

func (m *ingester) collect() *message.Message {
	snap := m.sampler.Sample()
	intake, intakeCap := m.src.IntakeSize(), m.src.IntakeCapacity()
	delivery, deliveryCap := m.src.DeliverySize(), m.src.DeliveryCapacity()

	fields := map[string]any{
		message.FieldVersion: "1.1",
		message.FieldHost:    m.host,
		message.FieldShortMessage: fmt.Sprintf(
			"node metrics: cpu %.1f%%, heap %d bytes, intake %d/%d, delivery %d/%d",
			snap.CPUPercent, snap.HeapInuse, intake, intakeCap, delivery, deliveryCap,
		),
		message.FieldLevel:    6,
		message.FieldFacility: "graylogd",
		"cpu_percent":         snap.CPUPercent,
		"heap_alloc_bytes":    int64(snap.HeapAlloc),
		"heap_inuse_bytes":    int64(snap.HeapInuse),
		"stack_inuse_bytes":   int64(snap.StackInuse),
		"sys_bytes":           int64(snap.Sys),
		"max_rss_bytes":       snap.MaxRSS,
		"num_gc":              int64(snap.NumGC),
		"num_goroutine":       int64(snap.NumGoroutine),
		"intake_size":         int64(intake),
		"intake_capacity":     int64(intakeCap),
		"delivery_size":       int64(delivery),
		"delivery_capacity":   int64(deliveryCap),
	}
	return message.New(fields, m.now(), m.name)
}
