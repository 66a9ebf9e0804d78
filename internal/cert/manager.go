// Package cert serves TLS certificates for the HTTP and gRPC inputs from
// PEM files and reloads them when the files change.
//
// The parent directory of every file is watched rather than the file
// itself, so certificates replaced by rename (as most renewal tools do)
// are picked up too. A pair that fails to load on reload keeps serving the
// previous certificate.
package cert

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
)

// ErrUnknown is returned by GetCertificate for a name that was never added.
var ErrUnknown = errors.New("cert: unknown certificate")

// Pair names a certificate chain file and its private key file.
type Pair struct {
	CertFile string
	KeyFile  string
}

type entry struct {
	pair Pair
	cert atomic.Pointer[tls.Certificate]
}

// Config holds Manager configuration.
type Config struct {
	Logger *slog.Logger
}

// Manager holds named certificates. Safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	byPath  map[string][]string // watched file -> entry names
	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

// New creates a Manager. The file watcher starts with the first Add.
func New(cfg Config) *Manager {
	return &Manager{
		logger:  logging.Default(cfg.Logger).With("component", "cert"),
		entries: make(map[string]*entry),
		byPath:  make(map[string][]string),
	}
}

// Add loads pair under name and returns a server TLS config that always
// presents the latest version of it. Adding an existing name replaces it.
func (m *Manager) Add(name string, pair Pair) (*tls.Config, error) {
	if pair.CertFile == "" || pair.KeyFile == "" {
		return nil, errors.New("cert: certificate and key files are required")
	}
	pair.CertFile = filepath.Clean(pair.CertFile)
	pair.KeyFile = filepath.Clean(pair.KeyFile)
	c, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cert %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("cert: manager closed")
	}
	if err := m.startWatcher(); err != nil {
		return nil, err
	}
	for _, p := range []string{pair.CertFile, pair.KeyFile} {
		if err := m.watcher.Add(filepath.Dir(p)); err != nil {
			return nil, fmt.Errorf("cert %s: watch %s: %w", name, filepath.Dir(p), err)
		}
		m.byPath[p] = append(m.byPath[p], name)
	}
	e := &entry{pair: pair}
	e.cert.Store(&c)
	m.entries[name] = e
	m.logger.Info("certificate loaded", "name", name, "cert_file", pair.CertFile)

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.GetCertificate(name)
		},
	}, nil
}

// GetCertificate returns the current certificate stored under name.
func (m *Manager) GetCertificate(name string) (*tls.Certificate, error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return e.cert.Load(), nil
}

// startWatcher starts the watch loop once. Caller must hold m.mu.
func (m *Manager) startWatcher() error {
	if m.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cert: start watcher: %w", err)
	}
	m.watcher = w
	m.done = make(chan struct{})
	go m.watch(w, m.done)
	return nil
}

func (m *Manager) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			m.mu.Lock()
			names := m.byPath[filepath.Clean(ev.Name)]
			m.mu.Unlock()
			for _, name := range names {
				m.reload(name)
			}
		}
	}
}

func (m *Manager) reload(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	c, err := tls.LoadX509KeyPair(e.pair.CertFile, e.pair.KeyFile)
	if err != nil {
		// Cert and key are usually written one after the other; the
		// second event retries.
		m.logger.Warn("reload certificate failed, keeping previous", "name", name, "error", err)
		return
	}
	e.cert.Store(&c)
	m.logger.Info("certificate reloaded", "name", name)
}

// Close stops watching. Certificates stay servable.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	w, done := m.watcher, m.done
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

// ForInput returns the TLS config an input's params ask for, or nil when
// neither tls_cert_file nor tls_key_file is set.
func ForInput(m *Manager, name string, params map[string]string) (*tls.Config, error) {
	certFile, keyFile := params["tls_cert_file"], params["tls_key_file"]
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tls_cert_file and tls_key_file must be set together")
	}
	if m == nil {
		return nil, errors.New("tls requested but no certificate manager is configured")
	}
	return m.Add(name, Pair{CertFile: certFile, KeyFile: keyFile})
}
