package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

type v5Client struct {
	cm       *autopaho.ConnectionManager
	cancel   context.CancelFunc
	qos      byte
	retained bool
	timeout  time.Duration
}

func dialV5(cfg Config, logger *slog.Logger) (*v5Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	cc := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                cfg.Timeout,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connected", "broker", cfg.Broker, "protocol", 5)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Warn("mqtt connection lost", "error", err)
			},
		},
	}
	if cfg.Username != "" {
		cc.ConnectUsername = cfg.Username
		cc.ConnectPassword = []byte(cfg.Password)
	}

	// The connection manager lives until close cancels runCtx.
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, cc)
	if err != nil {
		cancel()
		return nil, err
	}

	waitCtx, waitCancel := context.WithTimeout(runCtx, cfg.Timeout)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		cancel()
		return nil, ErrTimeout
	}
	return &v5Client{
		cm:       cm,
		cancel:   cancel,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  cfg.Timeout,
	}, nil
}

func (c *v5Client) publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     c.qos,
		Retain:  c.retained,
		Payload: payload,
	})
	if err != nil && ctx.Err() != nil {
		return ErrTimeout
	}
	return err
}

func (c *v5Client) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := c.cm.Disconnect(ctx)
	c.cancel()
	<-c.cm.Done()
	return err
}
