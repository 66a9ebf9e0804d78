package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// DefaultHost is the local Docker daemon socket.
const DefaultHost = "unix:///var/run/docker.sock"

// containerInfo holds metadata about a Docker container.
type containerInfo struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	IsTTY  bool
}

// containerEvent is a container lifecycle event ("start", "die", ...).
type containerEvent struct {
	Action      string
	ContainerID string
}

// dockerClient is the part of the Docker Engine API the input needs.
type dockerClient interface {
	ContainerList(ctx context.Context) ([]containerInfo, error)
	ContainerInspect(ctx context.Context, id string) (containerInfo, error)
	// ContainerLogs follows a container's log stream from since. The bool
	// reports a TTY container, whose stream is not multiplexed.
	ContainerLogs(ctx context.Context, id string, since time.Time, stdout, stderr bool) (io.ReadCloser, bool, error)
	Events(ctx context.Context) (<-chan containerEvent, <-chan error)
}

// tlsFiles names the PEM files used to reach a daemon over tcp://.
type tlsFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
	Verify   bool
}

func (f tlsFiles) config() (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: !f.Verify, //nolint:gosec // G402: user-configurable TLS verification for Docker daemon connections
	}
	if f.CAFile != "" {
		caPEM, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("CA file contains no valid certificates")
		}
		tc.RootCAs = pool
	}
	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// sdkClient implements dockerClient with the official Docker SDK.
type sdkClient struct {
	cli *dockerclient.Client
}

// newSDKClient connects to a unix socket or a tcp:// daemon, optionally
// over TLS.
func newSDKClient(host string, tlsCfg *tlsFiles) (*sdkClient, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	}
	if tlsCfg != nil && strings.HasPrefix(host, "tcp://") {
		tc, err := tlsCfg.config()
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			dockerclient.WithHTTPClient(&http.Client{Transport: &http.Transport{TLSClientConfig: tc}}),
			dockerclient.WithScheme("https"),
		)
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &sdkClient{cli: cli}, nil
}

func (c *sdkClient) ContainerList(ctx context.Context) ([]containerInfo, error) {
	raw, err := c.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]containerInfo, 0, len(raw))
	for _, r := range raw {
		name := ""
		if len(r.Names) > 0 {
			name = strings.TrimPrefix(r.Names[0], "/")
		}
		out = append(out, containerInfo{ID: r.ID, Name: name, Image: r.Image, Labels: r.Labels})
	}
	return out, nil
}

func (c *sdkClient) ContainerInspect(ctx context.Context, id string) (containerInfo, error) {
	raw, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return containerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	info := containerInfo{ID: raw.ID, Name: strings.TrimPrefix(raw.Name, "/")}
	if raw.Config != nil {
		info.Image = raw.Config.Image
		info.Labels = raw.Config.Labels
		info.IsTTY = raw.Config.Tty
	}
	return info, nil
}

func (c *sdkClient) ContainerLogs(ctx context.Context, id string, since time.Time, stdout, stderr bool) (io.ReadCloser, bool, error) {
	// The SDK hides the Content-Type that tells a TTY stream apart.
	info, err := c.ContainerInspect(ctx, id)
	if err != nil {
		return nil, false, err
	}
	opts := container.LogsOptions{
		ShowStdout: stdout,
		ShowStderr: stderr,
		Timestamps: true,
		Follow:     true,
	}
	if !since.IsZero() {
		opts.Since = fmt.Sprintf("%d.%09d", since.Unix(), since.Nanosecond())
	}
	body, err := c.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, false, fmt.Errorf("container logs: %w", err)
	}
	return body, info.IsTTY, nil
}

func (c *sdkClient) Events(ctx context.Context) (<-chan containerEvent, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("event", string(events.ActionStart)),
		filters.Arg("event", string(events.ActionDie)),
		filters.Arg("event", string(events.ActionDestroy)),
	)
	msgCh, errCh := c.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan containerEvent)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(outErr)
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- containerEvent{Action: string(msg.Action), ContainerID: msg.Actor.ID}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errCh:
				if !ok || ctx.Err() != nil {
					return
				}
				outErr <- fmt.Errorf("events: %w", err)
				return
			}
		}
	}()
	return out, outErr
}
