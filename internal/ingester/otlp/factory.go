package otlp

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/cert"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Default listen addresses of the two OTLP transports.
const (
	DefaultHTTPAddr = ":4318"
	DefaultGRPCAddr = ":4317"
)

// NewFactory returns an IngesterFactory for OTLP inputs. Both transports
// are enabled by default; "off" disables one of them. authn backs the
// "auth" param and certs the TLS params; either may be nil.
func NewFactory(counters *throughput.Counters, authn *auth.Authenticator, certs *cert.Manager) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		httpAddr, err := addrParam(params, "http_addr", DefaultHTTPAddr)
		if err != nil {
			return nil, err
		}
		grpcAddr, err := addrParam(params, "grpc_addr", DefaultGRPCAddr)
		if err != nil {
			return nil, err
		}

		var maxBody int64
		if v := params["max_body_size"]; v != "" {
			maxBody, err = strconv.ParseInt(v, 10, 64)
			if err != nil || maxBody <= 0 {
				return nil, fmt.Errorf("invalid max_body_size %q", v)
			}
		}

		a, err := auth.ForInput(authn, params)
		if err != nil {
			return nil, err
		}
		tlsCfg, err := cert.ForInput(certs, name, params)
		if err != nil {
			return nil, err
		}

		ing, err := New(Config{
			Name:        name,
			HTTPAddr:    httpAddr,
			GRPCAddr:    grpcAddr,
			MaxBodySize: maxBody,
			Auth:        a,
			TLS:         tlsCfg,
			Counters:    counters,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}

func addrParam(params map[string]string, key, def string) (string, error) {
	addr, ok := params[key]
	switch {
	case !ok || addr == "":
		return def, nil
	case addr == "off":
		return "", nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid %s %q: must be :port or host:port", key, addr)
	}
	return addr, nil
}
