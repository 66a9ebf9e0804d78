package gelfhttp

import (
	"cmp"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/cert"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// NewFactory returns an IngesterFactory for GELF HTTP inputs. authn backs
// the "auth" param and certs the tls_cert_file and tls_key_file params;
// either may be nil.
func NewFactory(counters *throughput.Counters, authn *auth.Authenticator, certs *cert.Manager) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		a, err := auth.ForInput(authn, params)
		if err != nil {
			return nil, fmt.Errorf("gelf http ingester: %w", err)
		}
		tlsCfg, err := cert.ForInput(certs, name, params)
		if err != nil {
			return nil, fmt.Errorf("gelf http ingester: %w", err)
		}
		cfg := Config{
			Auth:     a,
			TLS:      tlsCfg,
			Name:     name,
			Addr:     cmp.Or(params["addr"], ":12202"),
			Bulk:     params["bulk"] == "true",
			Counters: counters,
			Logger:   logger,
		}
		if s := params["max_body_size"]; s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("gelf http ingester: invalid max_body_size %q", s)
			}
			cfg.MaxBodySize = n
		}
		ing, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
