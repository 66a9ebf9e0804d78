package generator

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/syslogparse"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Format names for configuration.
const (
	FormatHTTP       = "http"
	FormatKV         = "kv"
	FormatGELF       = "gelf"
	FormatSyslog     = "syslog"
	FormatStackTrace = "stacktrace"
)

// allFormats lists all supported format names in default order.
var allFormats = []string{FormatHTTP, FormatKV, FormatGELF, FormatSyslog, FormatStackTrace}

// format generates one or more messages per call. Multi-message formats
// model output such as stack traces where every line arrives on its own.
type format interface {
	generate(rng *rand.Rand, now time.Time) []*message.Message
}

// pools holds the attribute values formats draw from, so generated traffic
// has a stable, small set of hosts to group by.
type pools struct {
	Hosts []string
}

func newPools(hostCount int) *pools {
	hosts := make([]string, hostCount)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host-%d", i+1)
	}
	return &pools{Hosts: hosts}
}

func pick[T any](rng *rand.Rand, s []T) T {
	return s[rng.IntN(len(s))]
}

func gelfFields(host, short string, level int) map[string]any {
	return map[string]any{
		message.FieldVersion:      "1.1",
		message.FieldHost:         host,
		message.FieldShortMessage: short,
		message.FieldLevel:        level,
	}
}

// httpFormat emits access-log style messages with the request broken out
// into fields.
type httpFormat struct{ p *pools }

var (
	httpMethods   = []string{"GET", "GET", "GET", "POST", "PUT", "DELETE"}
	httpResources = []string{"/login", "/posts", "/posts/45326", "/posts/45326/edit", "/users", "/search"}
)

func (f httpFormat) generate(rng *rand.Rand, now time.Time) []*message.Message {
	method := pick(rng, httpMethods)
	resource := pick(rng, httpResources)
	took := 10 + rng.IntN(500)

	code, level := 200, 6
	switch n := rng.IntN(100); {
	case n < 2:
		code, level = 500, 3
	case n < 7:
		code, level = 404, 4
	case n < 12 && method == "POST":
		code = 201
	}

	fields := gelfFields(pick(rng, f.p.Hosts), fmt.Sprintf("%s %s [%d] %dms", method, resource, code, took), level)
	fields["http_method"] = method
	fields["http_response_code"] = int64(code)
	fields["resource"] = resource
	fields["took_ms"] = int64(took)
	fields["user_id"] = int64(rng.IntN(10000))
	return []*message.Message{message.New(fields, now, "generator")}
}

// kvFormat emits key=value application log lines.
type kvFormat struct{ p *pools }

var (
	kvLevels = []struct {
		name  string
		level int
	}{{"DEBUG", 7}, {"INFO", 6}, {"INFO", 6}, {"WARN", 4}, {"ERROR", 3}}
	kvEvents = []string{"cache lookup", "job processed", "session created", "webhook delivered", "transaction committed"}
	kvTables = []string{"users", "orders", "sessions", "events"}
)

func (f kvFormat) generate(rng *rand.Rand, now time.Time) []*message.Message {
	lvl := pick(rng, kvLevels)
	line := fmt.Sprintf("level=%s msg=%q table=%s rows=%d duration_ms=%d",
		lvl.name, pick(rng, kvEvents), pick(rng, kvTables), rng.IntN(1000), rng.IntN(100))
	return []*message.Message{message.New(gelfFields(pick(rng, f.p.Hosts), line, lvl.level), now, "generator")}
}

// gelfFormat emits GELF JSON payloads decoded by the GELF decoder, so
// generated traffic exercises the same path as a real GELF sender.
type gelfFormat struct{ p *pools }

var gelfShorts = []string{"user signed in", "payment captured", "order shipped", "quota exceeded", "token refreshed"}

func (f gelfFormat) generate(rng *rand.Rand, now time.Time) []*message.Message {
	payload, _ := json.Marshal(map[string]any{
		"version":       "1.1",
		"host":          pick(rng, f.p.Hosts),
		"short_message": pick(rng, gelfShorts),
		"timestamp":     float64(now.UnixMilli()) / 1000,
		"level":         pick(rng, []int{3, 4, 6, 6, 6}),
		"_request_id":   fmt.Sprintf("%016x", rng.Uint64()),
		"_tenant":       pick(rng, []string{"acme", "globex", "initech"}),
	})
	msg, err := gelf.Decode(payload, "generator", now)
	if err != nil {
		return nil
	}
	return []*message.Message{msg}
}

// syslogFormat emits BSD syslog lines parsed by the syslog parser.
type syslogFormat struct{ p *pools }

var (
	syslogApps = []string{"sshd", "cron", "kernel", "systemd", "sudo"}
	syslogMsgs = []string{
		"Accepted publickey for deploy from 10.0.0.12 port 51234 ssh2",
		"pam_unix(cron:session): session opened for user root",
		"Out of memory: Killed process 4242 (java)",
		"Started Daily apt upgrade and clean activities.",
		"deploy : TTY=pts/0 ; PWD=/home/deploy ; USER=root ; COMMAND=/bin/systemctl restart app",
	}
)

func (f syslogFormat) generate(rng *rand.Rand, now time.Time) []*message.Message {
	pri := 8*rng.IntN(24) + rng.IntN(8)
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		pri, now.Format(time.Stamp), pick(rng, f.p.Hosts), pick(rng, syslogApps), 1000+rng.IntN(30000), pick(rng, syslogMsgs))
	return []*message.Message{syslogparse.Message([]byte(line), "generator", now)}
}

// stackTraceFormat emits a Java exception one line per message, the way a
// line-oriented shipper forwards it.
type stackTraceFormat struct{ p *pools }

var stackFrames = []string{
	"at com.example.orders.OrderService.place(OrderService.java:118)",
	"at com.example.orders.OrderController.create(OrderController.java:54)",
	"at jdk.internal.reflect.GeneratedMethodAccessor42.invoke(Unknown Source)",
	"at org.eclipse.jetty.server.handler.HandlerWrapper.handle(HandlerWrapper.java:127)",
	"at java.base/java.lang.Thread.run(Thread.java:833)",
}

func (f stackTraceFormat) generate(rng *rand.Rand, now time.Time) []*message.Message {
	host := pick(rng, f.p.Hosts)
	lines := []string{"java.lang.IllegalStateException: inventory reservation expired"}
	for _, frame := range stackFrames[:2+rng.IntN(len(stackFrames)-1)] {
		lines = append(lines, "\t"+frame)
	}

	msgs := make([]*message.Message, len(lines))
	for i, line := range lines {
		// Successive lines one microsecond apart keep their order.
		msgs[i] = message.New(gelfFields(host, line, 3), now.Add(time.Duration(i)*time.Microsecond), "generator")
	}
	return msgs
}
