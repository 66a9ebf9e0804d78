package syslog

import (
	"fmt"
	"log/slog"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// NewFactory returns a IngesterFactory for syslog ingesters.
func NewFactory(counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		udpAddr := params["udp_addr"]
		tcpAddr := params["tcp_addr"]

		// Default to UDP on 514 if nothing specified.
		if udpAddr == "" && tcpAddr == "" {
			udpAddr = ":514"
		}

		mode, err := flow.ParseMode(params["on_full"])
		if err != nil {
			return nil, fmt.Errorf("syslog ingester %s: %w", name, err)
		}

		ing, err := New(Config{
			Name:     name,
			UDPAddr:  udpAddr,
			TCPAddr:  tcpAddr,
			OnFull:   mode,
			Counters: counters,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
