package main

import (
	"bytes"
	"crypto/tls"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/config"
	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/server"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out, &out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != server.Version {
		t.Errorf("version output = %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LoggingConfig{
		Level:      "warn",
		Format:     "json",
		Components: map[string]string{"deflector": "debug"},
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.With("component", "orchestrator").Info("hidden")
	logger.With("component", "deflector").Debug("shown")
	logger.Warn("also shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record passed a warn default level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, "also shown") {
		t.Errorf("output = %s", out)
	}

	if _, err := newLogger(&buf, config.LoggingConfig{Format: "xml"}); err == nil {
		t.Error("newLogger accepted format xml")
	}
}

func TestChunkSendsChunkedDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pc.Close() }()

	var out bytes.Buffer
	cmd := newRootCmd(&out, &out)
	cmd.SetArgs([]string{"chunk", "--addr", pc.LocalAddr().String(), "--size", "3000", "--chunk-size", "1000", "--host", "t"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	_ = pc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65536)
	var frags []gelf.Fragment
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		f, err := gelf.ParseFragment(buf[:n], "")
		if err != nil {
			t.Fatal(err)
		}
		frags = append(frags, f)
		if len(frags) == int(f.Total) {
			break
		}
	}
	if len(frags) < 4 {
		t.Errorf("got %d fragments for a ~3KB payload at 1000 bytes per chunk", len(frags))
	}
	if !strings.Contains(out.String(), "sent 1 message(s)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAuthCommands(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "token.key")
	execute := func(stdin string, args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd(&out, &out)
		cmd.SetIn(strings.NewReader(stdin))
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v (%s)", args, err, out.String())
		}
		return strings.TrimSpace(out.String())
	}

	execute("", "auth", "init-secret", secretFile)
	token := execute("", "auth", "token", "edge-01", "--secret-file", secretFile, "--input", "otlp,gelf-http", "--ttl", "1h")

	secret, err := auth.LoadSecret(secretFile)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewTokenService(secret)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify(%q) = %v", token, err)
	}
	if claims.Subject != "edge-01" || !claims.Allows("otlp") || claims.Allows("gelf") {
		t.Errorf("claims = %+v", claims)
	}

	hash := execute("s3cret\n", "auth", "hash-password")
	if ok, err := auth.VerifyPassword("s3cret", hash); err != nil || !ok {
		t.Errorf("VerifyPassword(%q) = %v, %v", hash, ok, err)
	}
}

func TestCertSelfSigned(t *testing.T) {
	dir := t.TempDir()
	crt, key := filepath.Join(dir, "in.crt"), filepath.Join(dir, "in.key")
	var out bytes.Buffer
	cmd := newRootCmd(&out, &out)
	cmd.SetArgs([]string{"cert", "self-signed", crt, key, "--host", "logs.internal", "--valid-for", "24h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v (%s)", err, out.String())
	}
	if _, err := tls.LoadX509KeyPair(crt, key); err != nil {
		t.Errorf("written pair does not load: %v", err)
	}
}
