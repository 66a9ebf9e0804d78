package gelf

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// NewFactory returns an IngesterFactory for GELF ingesters. All ingesters
// it creates share r, so chunks of one message may arrive on any of them.
func NewFactory(r Reassembler, counters *throughput.Counters) orchestrator.IngesterFactory {
	return func(name string, params map[string]string, logger *slog.Logger) (orchestrator.Ingester, error) {
		udpAddr := params["udp_addr"]
		tcpAddr := params["tcp_addr"]

		// Default to UDP on 12201 if nothing specified.
		if udpAddr == "" && tcpAddr == "" {
			udpAddr = ":12201"
		}

		mode, err := flow.ParseMode(params["on_full"])
		if err != nil {
			return nil, fmt.Errorf("gelf ingester %s: %w", name, err)
		}

		var maxFrame int
		if s := params["max_frame_size"]; s != "" {
			maxFrame, err = strconv.Atoi(s)
			if err != nil || maxFrame <= 0 {
				return nil, fmt.Errorf("gelf ingester %s: invalid max_frame_size %q", name, s)
			}
		}

		ing, err := New(Config{
			Name:         name,
			UDPAddr:      udpAddr,
			TCPAddr:      tcpAddr,
			OnFull:       mode,
			Reassembler:  r,
			MaxFrameSize: maxFrame,
			Counters:     counters,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return ing, nil
	}
}
