package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParseEmptyYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Buffers.IntakeCapacity != 4096 || cfg.Workers.Filter != 4 {
		t.Errorf("buffers/workers = %+v %+v", cfg.Buffers, cfg.Workers)
	}
	if len(cfg.Inputs) != 1 || cfg.Inputs[0].Type != "gelf" {
		t.Errorf("inputs = %+v", cfg.Inputs)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0].Type != "index" {
		t.Errorf("outputs = %+v", cfg.Outputs)
	}
}

func TestParseFull(t *testing.T) {
	data := `
node:
  data_dir: /var/lib/graylogd
  is_master: true
buffers:
  intake_capacity: 128
workers:
  output: 2
  output_timeout: 5s
chunks:
  staleness_timeout: 2s
  max_fragments: 64
rotation:
  max_docs: 1000
  max_age: 1h
  max_indices: 3
  interval: 500ms
election:
  mode: raft
  raft:
    node_id: n1
    bind_addr: 127.0.0.1:7000
    bootstrap: true
    peers:
      - {id: n2, addr: 127.0.0.1:7001}
storage:
  type: file
  compress: true
inputs:
  - type: gelf
    udp_addr: ":12201"
    on_full: pause
  - type: syslog
    name: sys
    tcp_addr: ":1514"
filters:
  blacklist:
    - {name: health, pattern: "GET /health"}
  timestamp:
    enabled: true
    location: UTC
  streams:
    - name: errors
      rules:
        - {field: level, type: smaller, value: "4"}
outputs:
  - type: index
  - type: kafka
    name: audit
    brokers: "k1:9092,k2:9092"
    topic: logs
archive:
  type: s3
  bucket: graylog-archive
  prefix: prod
  endpoint: http://minio:9000
logging:
  level: debug
  format: json
  components:
    raft: warn
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.Node.IsMaster || cfg.Node.DataDir != "/var/lib/graylogd" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Buffers.IntakeCapacity != 128 || cfg.Buffers.DeliveryCapacity != 4096 {
		t.Errorf("buffers = %+v", cfg.Buffers)
	}
	if cfg.Workers.Filter != 4 || cfg.Workers.Output != 2 || cfg.Workers.OutputTimeout.D() != 5*time.Second {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.Chunks.StalenessTimeout.D() != 2*time.Second || cfg.Chunks.MaxFragments != 64 {
		t.Errorf("chunks = %+v", cfg.Chunks)
	}
	if cfg.Rotation.Interval.D() != 500*time.Millisecond || cfg.Rotation.Alias != deflector.DefaultAlias {
		t.Errorf("rotation = %+v", cfg.Rotation)
	}
	if cfg.Election.Raft.NodeID != "n1" || len(cfg.Election.Raft.Peers) != 1 || cfg.Election.Raft.Peers[0].Addr != "127.0.0.1:7001" {
		t.Errorf("election = %+v", cfg.Election)
	}

	if len(cfg.Inputs) != 2 {
		t.Fatalf("inputs = %+v", cfg.Inputs)
	}
	if in := cfg.Inputs[0]; in.Name != "gelf-0" || in.Params["udp_addr"] != ":12201" || in.Params["on_full"] != "pause" {
		t.Errorf("inputs[0] = %+v", in)
	}
	if in := cfg.Inputs[1]; in.Name != "sys" || in.Params["tcp_addr"] != ":1514" {
		t.Errorf("inputs[1] = %+v", in)
	}
	if _, ok := cfg.Inputs[1].Params["type"]; ok {
		t.Error("type leaked into params")
	}

	if len(cfg.Outputs) != 2 || cfg.Outputs[1].Name != "audit" || cfg.Outputs[1].Params["topic"] != "logs" {
		t.Errorf("outputs = %+v", cfg.Outputs)
	}
	if len(cfg.Filters.Blacklist) != 1 || cfg.Filters.Streams[0].Rules[0].Type != "smaller" {
		t.Errorf("filters = %+v", cfg.Filters)
	}
	if !cfg.Filters.Timestamp.Enabled {
		t.Errorf("filters.timestamp = %+v", cfg.Filters.Timestamp)
	}
	if loc, err := cfg.Filters.Timestamp.Loc(); err != nil || loc != time.UTC {
		t.Errorf("timestamp location = %v, %v", loc, err)
	}
	if cfg.Archive.Type != "s3" || cfg.Archive.Bucket != "graylog-archive" || cfg.Archive.Prefix != "prod" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if cfg.Logging.Components["raft"] != "warn" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestParseAcceptsEveryInputType(t *testing.T) {
	data := `
inputs:
  - {type: gelf}
  - {type: gelf_http, bulk: "true"}
  - {type: kafka, brokers: "k1:9092", topic: gelf, on_full: drop}
  - {type: syslog}
  - {type: relp}
  - {type: forward, addr: ":24224"}
  - {type: tail, paths: "/var/log/*.log"}
  - {type: otlp, grpc_addr: "off"}
  - {type: docker, name_filter: "api-*"}
  - {type: metrics, interval: 10s}
  - {type: generator, formats: "http,syslog"}
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Inputs) != len(InputTypes) {
		t.Errorf("inputs = %+v", cfg.Inputs)
	}
	if cfg.Inputs[2].Params["on_full"] != "drop" {
		t.Errorf("kafka input params = %v", cfg.Inputs[2].Params)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero intake", "buffers: {intake_capacity: 0}", "intake_capacity"},
		{"negative delivery", "buffers: {delivery_capacity: -1}", "delivery_capacity"},
		{"zero filter workers", "workers: {filter: 0}", "workers.filter"},
		{"zero output timeout", "workers: {output_timeout: 0s}", "workers.output_timeout"},
		{"max fragments too high", "chunks: {max_fragments: 129}", "max_fragments"},
		{"max fragments zero", "chunks: {max_fragments: 0}", "max_fragments"},
		{"unknown input", "inputs: [{type: beats}]", `unknown type "beats"`},
		{"unknown output", "outputs: [{type: elastic}]", `unknown type "elastic"`},
		{"unknown on_full", "inputs: [{type: gelf, on_full: block}]", "on_full"},
		{"unknown election", "election: {mode: zookeeper}", "election.mode"},
		{"raft without bind", "election: {mode: raft}", "bind_addr"},
		{"unknown storage", "storage: {type: s3}", "storage.type"},
		{"duplicate output", "outputs: [{type: index, name: a}, {type: kafka, name: a}]", "duplicate output"},
		{"alias equals prefix", "rotation: {alias: x, index_prefix: x}", "must differ"},
		{"bad log format", "logging: {format: xml}", "logging.format"},
		{"auth without credentials", "inputs: [{type: otlp, auth: \"true\"}]", "auth requires"},
		{"auth on udp input", "auth: {token_secret_file: k}\ninputs: [{type: gelf, auth: \"true\"}]", "does not support auth"},
		{"auth bad value", "auth: {token_secret_file: k}\ninputs: [{type: otlp, auth: \"yes\"}]", "auth must be"},
		{"user without hash", "auth: {users: [{name: a}]}", "password_hash"},
		{"tls on udp input", "inputs: [{type: gelf, tls_cert_file: a, tls_key_file: b}]", "does not support tls"},
		{"tls cert without key", "inputs: [{type: gelf_http, tls_cert_file: a}]", "set together"},
		{"unknown timestamp zone", "filters: {timestamp: {enabled: true, location: Mars/Olympus}}", "filters.timestamp.location"},
		{"negative rdns ttl", "filters: {reverse_dns: {enabled: true, positive_ttl: -1s}}", "reverse_dns"},
		{"unknown archive", "archive: {type: tape}", "archive.type"},
		{"s3 archive without bucket", "archive: {type: s3}", "archive.bucket"},
		{"azure archive without container", "archive: {type: azure, connection_string: x}", "archive.container"},
		{"half static credentials", "archive: {type: s3, bucket: b, access_key_id: k}", "set together"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level key", "bogus: 1"},
		{"bad duration", "chunks: {staleness_timeout: soon}"},
		{"not yaml", "buffers: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("Parse succeeded")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graylogd.yaml")
	if err := os.WriteFile(path, []byte("workers: {filter: 8}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers.Filter != 8 {
		t.Errorf("workers.filter = %d, want 8", cfg.Workers.Filter)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestPolicies(t *testing.T) {
	rc := RotationConfig{MaxDocs: 10, MaxAge: Duration(time.Hour)}
	p := rc.RotationPolicy()
	if p == nil {
		t.Fatal("RotationPolicy() = nil")
	}
	if !p.ShouldRotate(deflector.IndexState{Docs: 10}) {
		t.Error("10 docs did not rotate")
	}
	if !p.ShouldRotate(deflector.IndexState{Age: 2 * time.Hour}) {
		t.Error("2h age did not rotate")
	}
	if p.ShouldRotate(deflector.IndexState{Docs: 9, Age: time.Minute}) {
		t.Error("9 docs / 1m rotated")
	}

	if (RotationConfig{}).RotationPolicy() != nil {
		t.Error("empty rotation config yielded a policy")
	}
	if (RotationConfig{}).RetentionPolicy() != nil {
		t.Error("empty retention config yielded a policy")
	}
	if (RotationConfig{MaxIndices: 2}).RetentionPolicy() == nil {
		t.Error("max_indices yielded no policy")
	}
}
