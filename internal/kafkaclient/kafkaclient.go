// Package kafkaclient holds the franz-go client options shared by the Kafka
// input and output: broker list, TLS and SASL.
package kafkaclient

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Params is the connection part of a Kafka input or output configuration.
type Params struct {
	Brokers []string
	TLS     bool
	SASL    *SASLConfig
}

// FromParams reads brokers, tls and the sasl_* keys. brokers is a comma
// separated list and is required.
func FromParams(params map[string]string) (Params, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Params{}, fmt.Errorf("brokers param is required")
	}
	p := Params{TLS: params["tls"] == "true"}
	for b := range strings.SplitSeq(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			p.Brokers = append(p.Brokers, b)
		}
	}
	if len(p.Brokers) == 0 {
		return Params{}, fmt.Errorf("brokers param is empty")
	}

	if mech := params["sasl_mechanism"]; mech != "" {
		mech = strings.ToLower(mech)
		switch mech {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Params{}, fmt.Errorf("unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		p.SASL = &SASLConfig{
			Mechanism: mech,
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}
	return p, nil
}

// Options returns the client options for p.
func (p Params) Options() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(p.Brokers...)}
	if p.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if p.SASL != nil {
		mech, err := Mechanism(p.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// Mechanism constructs the SASL mechanism for cfg.
func Mechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
