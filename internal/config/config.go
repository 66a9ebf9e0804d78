// Package config loads the server configuration from a YAML file.
//
// Load starts from Default, decodes the file on top of it, fills in
// per-entry defaults (input and output names) and validates the result.
// A value explicitly set to zero is not replaced by its default, so that
// Validate can reject it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Known component types.
var (
	InputTypes    = []string{"gelf", "gelf_http", "kafka", "syslog", "relp", "forward", "tail", "otlp", "docker", "metrics", "generator"}
	OutputTypes   = []string{"index", "kafka", "nats", "mqtt", "forward", "clickhouse"}
	ElectionModes = []string{"static", "raft"}
	StorageTypes  = []string{"memory", "file"}
	LogFormats    = []string{"text", "json"}
	OnFullModes   = []string{"drop", "pause"}

	// SecureInputTypes are the input types that accept the auth and tls
	// params.
	SecureInputTypes = []string{"gelf_http", "otlp"}
)

// Duration is a time.Duration that decodes from Go duration strings
// ("5s", "24h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the complete server configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Buffers  BuffersConfig  `yaml:"buffers"`
	Workers  WorkersConfig  `yaml:"workers"`
	Chunks   ChunksConfig   `yaml:"chunks"`
	Rotation RotationConfig `yaml:"rotation"`
	Election ElectionConfig `yaml:"election"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Inputs   []InputConfig  `yaml:"inputs"`
	Filters  FiltersConfig  `yaml:"filters"`
	Outputs  []OutputConfig `yaml:"outputs"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig describes this server instance.
type NodeConfig struct {
	// Name labels logs and metrics. Empty means the name persisted in the
	// data directory, generated on first start.
	Name string `yaml:"name"`

	// DataDir holds node_id, raft state and on-disk indices. Empty means
	// the platform default (see home.Default).
	DataDir string `yaml:"data_dir"`

	// IsMaster marks the node as master under static election.
	IsMaster bool `yaml:"is_master"`
}

type BuffersConfig struct {
	IntakeCapacity   int `yaml:"intake_capacity"`
	DeliveryCapacity int `yaml:"delivery_capacity"`
}

type WorkersConfig struct {
	Filter int `yaml:"filter"`
	Output int `yaml:"output"`

	// OutputTimeout bounds one output's write of one message.
	OutputTimeout Duration `yaml:"output_timeout"`
}

// ChunksConfig bounds GELF chunk reassembly.
type ChunksConfig struct {
	StalenessTimeout Duration `yaml:"staleness_timeout"`
	MaxFragments     int      `yaml:"max_fragments"`
	SweepInterval    Duration `yaml:"sweep_interval"`
}

// RotationConfig drives the deflector. A zero MaxDocs or MaxAge disables
// that condition; likewise MaxIndices and RetentionMaxAge for retention.
type RotationConfig struct {
	Alias           string   `yaml:"alias"`
	IndexPrefix     string   `yaml:"index_prefix"`
	MaxDocs         int64    `yaml:"max_docs"`
	MaxAge          Duration `yaml:"max_age"`
	MaxIndices      int      `yaml:"max_indices"`
	RetentionMaxAge Duration `yaml:"retention_max_age"`
	Interval        Duration `yaml:"interval"`
	NotifyEvery     int      `yaml:"notify_every"`
	SetUpAttempts   int      `yaml:"setup_attempts"`
}

// RotationPolicy converts the rotation conditions to a policy. Returns nil
// if no condition is set.
func (c RotationConfig) RotationPolicy() deflector.RotationPolicy {
	var policies []deflector.RotationPolicy
	if c.MaxDocs > 0 {
		policies = append(policies, deflector.NewDocCountPolicy(c.MaxDocs))
	}
	if c.MaxAge > 0 {
		policies = append(policies, deflector.NewAgePolicy(c.MaxAge.D()))
	}

	switch len(policies) {
	case 0:
		return nil
	case 1:
		return policies[0]
	}
	return deflector.NewCompositePolicy(policies...)
}

// RetentionPolicy converts the retention conditions to a policy. Returns
// nil if no condition is set.
func (c RotationConfig) RetentionPolicy() deflector.RetentionPolicy {
	var policies []deflector.RetentionPolicy
	if c.MaxIndices > 0 {
		policies = append(policies, deflector.NewCountRetentionPolicy(c.MaxIndices))
	}
	if c.RetentionMaxAge > 0 {
		policies = append(policies, deflector.NewTTLRetentionPolicy(c.RetentionMaxAge.D()))
	}

	switch len(policies) {
	case 0:
		return nil
	case 1:
		return policies[0]
	}
	return deflector.NewCompositeRetentionPolicy(policies...)
}

type ElectionConfig struct {
	Mode string     `yaml:"mode"`
	Raft RaftConfig `yaml:"raft"`
}

// RaftConfig configures raft election. NodeID defaults to the persisted
// node id from the data directory.
type RaftConfig struct {
	NodeID        string       `yaml:"node_id"`
	BindAddr      string       `yaml:"bind_addr"`
	AdvertiseAddr string       `yaml:"advertise_addr"`
	Peers         []PeerConfig `yaml:"peers"`
	Bootstrap     bool         `yaml:"bootstrap"`
}

type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Type string `yaml:"type"`

	// Compress seals rotated-out file indices with seekable zstd.
	Compress bool `yaml:"compress"`
}

// ArchiveConfig uploads indices to long-term storage before retention
// deletes them. An empty Type disables archiving.
type ArchiveConfig struct {
	Type    string `yaml:"type"`
	Prefix  string `yaml:"prefix"`
	TempDir string `yaml:"temp_dir"`

	// Path is the dir store root, relative to the data directory unless
	// absolute.
	Path string `yaml:"path"`

	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	CredentialsFile string `yaml:"credentials_file"`

	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr           string   `yaml:"addr"`
	SampleInterval Duration `yaml:"sample_interval"`
}

// InputConfig describes an ingester. Keys other than type and name are
// passed to the ingester factory as params.
type InputConfig struct {
	Type   string            `yaml:"type"`
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:",inline"`
}

// OutputConfig describes an output. Keys other than type and name are
// passed to the output factory as params.
type OutputConfig struct {
	Type   string            `yaml:"type"`
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:",inline"`
}

type FiltersConfig struct {
	Blacklist  []BlacklistRule  `yaml:"blacklist"`
	Extractors []ExtractorRule  `yaml:"extractors"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Timestamp  TimestampConfig  `yaml:"timestamp"`
	ReverseDNS ReverseDNSConfig `yaml:"reverse_dns"`
	UserAgent  UserAgentConfig  `yaml:"user_agent"`
	Streams    []StreamConfig   `yaml:"streams"`
}

// TimestampConfig enables reading the event time out of messages that
// arrive without one. Location is an IANA zone name.
type TimestampConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Field    string `yaml:"field"`
	Location string `yaml:"location"`
}

// Loc resolves Location. Empty means UTC.
func (tc TimestampConfig) Loc() (*time.Location, error) {
	if tc.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tc.Location)
}

// ExtractorRule copies the JSONPath selection from Source (default
// short_message) into Target.
type ExtractorRule struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
}

// UserAgentConfig enables the user agent filter when Fields is set.
type UserAgentConfig struct {
	Fields []string `yaml:"fields"`
}

type BlacklistRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Field   string `yaml:"field"`
}

// GeoIPConfig enables the geoip filter when Database is set.
type GeoIPConfig struct {
	Database string   `yaml:"database"`
	Fields   []string `yaml:"fields"`
}

// ReverseDNSConfig enables the reverse DNS filter.
type ReverseDNSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	OverrideHost bool     `yaml:"override_host"`
	Timeout      Duration `yaml:"timeout"`
	PositiveTTL  Duration `yaml:"positive_ttl"`
	NegativeTTL  Duration `yaml:"negative_ttl"`
	CacheSize    int      `yaml:"cache_size"`
}

type StreamConfig struct {
	Name     string       `yaml:"name"`
	MatchAny bool         `yaml:"match_any"`
	Rules    []StreamRule `yaml:"rules"`
}

type StreamRule struct {
	Field    string `yaml:"field"`
	Type     string `yaml:"type"`
	Value    string `yaml:"value"`
	Inverted bool   `yaml:"inverted"`
}

// AuthConfig holds the credentials accepted by inputs that set
// auth: "true". A relative TokenSecretFile is resolved against the data
// directory.
type AuthConfig struct {
	TokenSecretFile string       `yaml:"token_secret_file"`
	Users           []UserConfig `yaml:"users"`
}

// Enabled reports whether any credential source is configured.
func (c AuthConfig) Enabled() bool {
	return c.TokenSecretFile != "" || len(c.Users) > 0
}

type UserConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Components overrides the level per component ("raft": "warn").
	Components map[string]string `yaml:"components"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Buffers: BuffersConfig{IntakeCapacity: 4096, DeliveryCapacity: 4096},
		Workers: WorkersConfig{Filter: 4, Output: 4, OutputTimeout: Duration(30 * time.Second)},
		Chunks: ChunksConfig{
			StalenessTimeout: Duration(5 * time.Second),
			MaxFragments:     gelf.MaxFragments,
			SweepInterval:    Duration(time.Second),
		},
		Rotation: RotationConfig{
			Alias:         deflector.DefaultAlias,
			IndexPrefix:   deflector.DefaultPrefix,
			MaxDocs:       20_000_000,
			MaxAge:        Duration(24 * time.Hour),
			MaxIndices:    20,
			Interval:      Duration(deflector.DefaultInterval),
			NotifyEvery:   1000,
			SetUpAttempts: deflector.DefaultSetUpAttempts,
		},
		Election: ElectionConfig{Mode: "static"},
		Storage:  StorageConfig{Type: "memory"},
		Metrics:  MetricsConfig{SampleInterval: Duration(time.Second)},
		Inputs: []InputConfig{
			{Type: "gelf", Name: "gelf", Params: map[string]string{"udp_addr": ":12201"}},
		},
		Outputs: []OutputConfig{
			{Type: "index", Name: "index"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of Default. Unknown top-level keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	// Lists replace the defaults rather than merging into them.
	cfg.Inputs, cfg.Outputs = nil, nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	def := Default()
	if cfg.Inputs == nil {
		cfg.Inputs = def.Inputs
	}
	if cfg.Outputs == nil {
		cfg.Outputs = def.Outputs
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills per-entry fields that have no meaningful zero value.
func (c *Config) applyDefaults() {
	for i := range c.Inputs {
		in := &c.Inputs[i]
		if in.Name == "" {
			in.Name = fmt.Sprintf("%s-%d", in.Type, i)
		}
		if in.Params == nil {
			in.Params = map[string]string{}
		}
	}
	for i := range c.Outputs {
		out := &c.Outputs[i]
		if out.Name == "" {
			out.Name = fmt.Sprintf("%s-%d", out.Type, i)
		}
		if out.Params == nil {
			out.Params = map[string]string{}
		}
	}
	if c.Election.Mode == "" {
		c.Election.Mode = "static"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Buffers.IntakeCapacity <= 0 {
		bad("buffers.intake_capacity must be positive, got %d", c.Buffers.IntakeCapacity)
	}
	if c.Buffers.DeliveryCapacity <= 0 {
		bad("buffers.delivery_capacity must be positive, got %d", c.Buffers.DeliveryCapacity)
	}
	if c.Workers.Filter <= 0 {
		bad("workers.filter must be positive, got %d", c.Workers.Filter)
	}
	if c.Workers.Output <= 0 {
		bad("workers.output must be positive, got %d", c.Workers.Output)
	}
	if c.Workers.OutputTimeout <= 0 {
		bad("workers.output_timeout must be positive, got %s", c.Workers.OutputTimeout.D())
	}

	if c.Chunks.MaxFragments < 1 || c.Chunks.MaxFragments > gelf.MaxFragments {
		bad("chunks.max_fragments must be in 1..%d, got %d", gelf.MaxFragments, c.Chunks.MaxFragments)
	}
	if c.Chunks.StalenessTimeout <= 0 {
		bad("chunks.staleness_timeout must be positive")
	}
	if c.Chunks.SweepInterval <= 0 {
		bad("chunks.sweep_interval must be positive")
	}

	if c.Rotation.Alias == "" || c.Rotation.IndexPrefix == "" {
		bad("rotation.alias and rotation.index_prefix are required")
	}
	if c.Rotation.Alias == c.Rotation.IndexPrefix {
		bad("rotation.alias must differ from rotation.index_prefix")
	}
	if c.Rotation.MaxDocs < 0 || c.Rotation.MaxAge < 0 || c.Rotation.MaxIndices < 0 || c.Rotation.RetentionMaxAge < 0 {
		bad("rotation limits must not be negative")
	}
	if c.Rotation.Interval <= 0 {
		bad("rotation.interval must be positive")
	}
	if c.Rotation.NotifyEvery <= 0 {
		bad("rotation.notify_every must be positive, got %d", c.Rotation.NotifyEvery)
	}
	if c.Rotation.SetUpAttempts <= 0 {
		bad("rotation.setup_attempts must be positive, got %d", c.Rotation.SetUpAttempts)
	}

	if !slices.Contains(ElectionModes, c.Election.Mode) {
		bad("unknown election.mode %q", c.Election.Mode)
	}
	if c.Election.Mode == "raft" && c.Election.Raft.BindAddr == "" {
		bad("election.raft.bind_addr is required in raft mode")
	}
	if !slices.Contains(StorageTypes, c.Storage.Type) {
		bad("unknown storage.type %q", c.Storage.Type)
	}
	if a := c.Archive; a.Type != "" {
		switch a.Type {
		case "dir":
			if a.Path == "" {
				bad("archive.path is required for dir archives")
			}
		case "s3", "gcs":
			if a.Bucket == "" {
				bad("archive.bucket is required for %s archives", a.Type)
			}
		case "azure":
			if a.ConnectionString == "" || a.Container == "" {
				bad("archive.connection_string and archive.container are required for azure archives")
			}
		default:
			bad("unknown archive.type %q", a.Type)
		}
		if (a.AccessKeyID == "") != (a.SecretAccessKey == "") {
			bad("archive.access_key_id and archive.secret_access_key must be set together")
		}
	}
	if c.Metrics.SampleInterval <= 0 {
		bad("metrics.sample_interval must be positive")
	}
	if !slices.Contains(LogFormats, c.Logging.Format) {
		bad("unknown logging.format %q", c.Logging.Format)
	}

	names := make(map[string]bool)
	for _, in := range c.Inputs {
		if !slices.Contains(InputTypes, in.Type) {
			bad("input %q: unknown type %q", in.Name, in.Type)
		}
		if mode, ok := in.Params["on_full"]; ok && !slices.Contains(OnFullModes, mode) {
			bad("input %q: unknown on_full %q", in.Name, mode)
		}
		if v, ok := in.Params["auth"]; ok && v != "false" {
			switch {
			case !slices.Contains(SecureInputTypes, in.Type):
				bad("input %q: type %s does not support auth", in.Name, in.Type)
			case v != "true":
				bad("input %q: auth must be true or false, got %q", in.Name, v)
			case !c.Auth.Enabled():
				bad("input %q: auth requires auth.token_secret_file or auth.users", in.Name)
			}
		}
		_, hasCert := in.Params["tls_cert_file"]
		_, hasKey := in.Params["tls_key_file"]
		if (hasCert || hasKey) && !slices.Contains(SecureInputTypes, in.Type) {
			bad("input %q: type %s does not support tls", in.Name, in.Type)
		} else if hasCert != hasKey {
			bad("input %q: tls_cert_file and tls_key_file must be set together", in.Name)
		}
		if names["input/"+in.Name] {
			bad("duplicate input name %q", in.Name)
		}
		names["input/"+in.Name] = true
	}
	for _, out := range c.Outputs {
		if !slices.Contains(OutputTypes, out.Type) {
			bad("output %q: unknown type %q", out.Name, out.Type)
		}
		if names["output/"+out.Name] {
			bad("duplicate output name %q", out.Name)
		}
		names["output/"+out.Name] = true
	}

	users := make(map[string]bool)
	for _, u := range c.Auth.Users {
		if u.Name == "" || u.PasswordHash == "" {
			bad("auth.users: name and password_hash are required")
		}
		if users[u.Name] {
			bad("auth.users: duplicate user %q", u.Name)
		}
		users[u.Name] = true
	}

	if _, err := c.Filters.Timestamp.Loc(); err != nil {
		bad("filters.timestamp.location: %v", err)
	}
	if r := c.Filters.ReverseDNS; r.Timeout < 0 || r.PositiveTTL < 0 || r.NegativeTTL < 0 || r.CacheSize < 0 {
		bad("filters.reverse_dns settings must not be negative")
	}

	for _, s := range c.Filters.Streams {
		if s.Name == "" {
			bad("stream without name")
		}
	}

	return errors.Join(errs...)
}
