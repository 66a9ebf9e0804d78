// Package geoip enriches messages with country, city and ASN data from a
// MaxMind MMDB database.
//
// For every configured field holding an IP address, the filter adds
// <field>_country, <field>_city and <field>_asn when the database has
// them. The database is reloaded when the file changes on disk; lookups
// keep using the previous reader until the new one is open.
package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the geoip filter.
const Priority = 30

// Info describes a loaded MMDB database.
type Info struct {
	DatabaseType string
	BuildTime    time.Time
}

// mmdbRecord contains only the fields we decode from the MMDB file.
// ASN fields are at root level to match GeoLite2-ASN / GeoIP2-ASN databases.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	ASNumber       uint   `maxminddb:"autonomous_system_number"`
	ASOrganization string `maxminddb:"autonomous_system_organization"`
}

// Config configures the filter.
type Config struct {
	// Fields name the message fields holding IP addresses.
	Fields []string
	Logger *slog.Logger
}

// Filter is the geoip enrichment filter. Safe for concurrent use; the
// reader is swapped atomically.
type Filter struct {
	fields []string
	logger *slog.Logger
	reader atomic.Pointer[maxminddb.Reader]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

var _ filter.Filter = (*Filter)(nil)

// New creates a filter with no database. Filter passes messages through
// unchanged until Load succeeds.
func New(cfg Config) *Filter {
	fields := cfg.Fields
	if len(fields) == 0 {
		fields = []string{"source_ip"}
	}
	return &Filter{
		fields: fields,
		logger: logging.Default(cfg.Logger).With("component", "geoip"),
	}
}

func (f *Filter) Name() string  { return "geoip" }
func (f *Filter) Priority() int { return Priority }

func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	if f.reader.Load() == nil {
		return filter.Pass, nil
	}
	for _, field := range f.fields {
		ip := msg.String(field)
		if ip == "" {
			continue
		}
		for suffix, v := range f.Lookup(ip) {
			msg.Set(field+"_"+suffix, v)
		}
	}
	return filter.Pass, nil
}

// Lookup resolves an IP address to its country, city and asn.
// Returns nil on miss, parse error, or if no database is loaded.
func (f *Filter) Lookup(value string) map[string]string {
	r := f.reader.Load()
	if r == nil {
		return nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil
	}

	var rec mmdbRecord
	if err := r.Lookup(ip, &rec); err != nil {
		return nil
	}

	out := make(map[string]string, 3)
	if rec.Country.ISOCode != "" {
		out["country"] = rec.Country.ISOCode
	}
	if name := rec.City.Names["en"]; name != "" {
		out["city"] = name
	}
	if rec.ASNumber != 0 {
		out["asn"] = "AS" + strconv.FormatUint(uint64(rec.ASNumber), 10)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Load opens an MMDB file and swaps the reader. The old reader is closed
// after the swap.
func (f *Filter) Load(path string) (Info, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open mmdb %q: %w", path, err)
	}
	info := Info{
		DatabaseType: r.Metadata.DatabaseType,
		BuildTime:    time.Unix(int64(r.Metadata.BuildEpoch), 0), //nolint:gosec // BuildEpoch fits in int64
	}
	if old := f.reader.Swap(r); old != nil {
		_ = old.Close()
	}
	f.logger.Info("geoip database loaded", "path", path, "type", info.DatabaseType, "built", info.BuildTime)
	return info, nil
}

// Watch reloads path whenever it is written or replaced. The parent
// directory is watched so that rename-into-place updates are seen.
// Calling Watch again replaces the previous watch.
func (f *Filter) Watch(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", path, err)
	}

	f.watcher = w
	f.watchDone = make(chan struct{})
	go f.watchLoop(w, filepath.Clean(path), f.watchDone)
	return nil
}

func (f *Filter) watchLoop(w *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if _, err := f.Load(path); err != nil {
				// Partially written files fail to open; the final write
				// event retries.
				f.logger.Debug("geoip reload failed", "path", path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("geoip watcher error", "error", err)
		}
	}
}

func (f *Filter) stopWatchLocked() {
	if f.watcher != nil {
		_ = f.watcher.Close()
		<-f.watchDone
		f.watcher = nil
		f.watchDone = nil
	}
}

// Close stops the watcher and closes the current reader.
func (f *Filter) Close() error {
	f.mu.Lock()
	f.stopWatchLocked()
	f.mu.Unlock()

	if r := f.reader.Swap(nil); r != nil {
		return r.Close()
	}
	return nil
}
