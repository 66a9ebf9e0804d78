// Package otlp provides an OpenTelemetry logs input that accepts OTLP log
// records via HTTP (POST /v1/logs) and gRPC (LogsService/Export).
package otlp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"github.com/kerk1/ThreatHunting-graylog/internal/auth"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/bodyutil"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// DefaultMaxBodySize bounds a decompressed HTTP request body.
const DefaultMaxBodySize = 10 << 20

// Config holds OTLP ingester configuration. At least one address must be
// set; an empty address disables that transport.
type Config struct {
	Name     string
	HTTPAddr string // e.g. ":4318"
	GRPCAddr string // e.g. ":4317"

	MaxBodySize int64

	// Auth checks senders on both transports. Nil accepts everyone.
	Auth *auth.Authenticator

	// TLS secures both transports when set.
	TLS *tls.Config

	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// Ingester accepts OpenTelemetry log records via HTTP and gRPC. It
// implements orchestrator.Ingester.
//
// A request whose first record finds intake full is refused as retryable
// (HTTP 429, gRPC RESOURCE_EXHAUSTED). If intake fills part way through, the
// accepted records stay accepted and the response reports the rest as
// rejected through OTLP partial success, so a retry cannot duplicate them.
type Ingester struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	httpLn net.Listener
	grpcLn net.Listener
}

// New creates a new OTLP ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.HTTPAddr == "" && cfg.GRPCAddr == "" {
		return nil, errors.New("otlp ingester: no HTTP or gRPC address configured")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "otlp", "name", cfg.Name),
	}, nil
}

// Run starts the configured servers and blocks until ctx is cancelled or a
// server fails.
func (ing *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if ing.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", ing.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("otlp http listen %s: %w", ing.cfg.HTTPAddr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("POST /v1/logs", func(w http.ResponseWriter, req *http.Request) {
			ing.handleHTTP(w, req, sink)
		})
		mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		var handler http.Handler = mux
		if ing.cfg.Auth != nil {
			handler = ing.cfg.Auth.Middleware(ing.cfg.Name, mux, "/ready")
		}
		httpSrv = &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig:         ing.cfg.TLS,
		}

		ing.mu.Lock()
		ing.httpLn = ln
		ing.mu.Unlock()
		go func() {
			var err error
			if ing.cfg.TLS != nil {
				err = httpSrv.ServeTLS(ln, "", "")
			} else {
				err = httpSrv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("otlp http: %w", err)
			}
		}()
		ing.logger.Info("otlp http listening", "addr", ln.Addr().String(), "tls", ing.cfg.TLS != nil)
	}

	var grpcSrv *grpc.Server
	if ing.cfg.GRPCAddr != "" {
		ln, err := net.Listen("tcp", ing.cfg.GRPCAddr)
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return fmt.Errorf("otlp grpc listen %s: %w", ing.cfg.GRPCAddr, err)
		}
		var opts []grpc.ServerOption
		if ing.cfg.TLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(ing.cfg.TLS)))
		}
		if ing.cfg.Auth != nil {
			opts = append(opts, grpc.ChainUnaryInterceptor(ing.cfg.Auth.UnaryServerInterceptor(ing.cfg.Name)))
		}
		grpcSrv = grpc.NewServer(opts...)
		collogspb.RegisterLogsServiceServer(grpcSrv, &logsServiceServer{ing: ing, sink: sink})

		ing.mu.Lock()
		ing.grpcLn = ln
		ing.mu.Unlock()
		go func() {
			if err := grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("otlp grpc: %w", err)
			}
		}()
		ing.logger.Info("otlp grpc listening", "addr", ln.Addr().String())
	}

	var err error
	select {
	case <-ctx.Done():
		ing.logger.Info("otlp ingester stopping")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}
	return err
}

// HTTPAddr returns the HTTP listener address. Only valid after Run() has
// started.
func (ing *Ingester) HTTPAddr() net.Addr {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.httpLn == nil {
		return nil
	}
	return ing.httpLn.Addr()
}

// GRPCAddr returns the gRPC listener address. Only valid after Run() has
// started.
func (ing *Ingester) GRPCAddr() net.Addr {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.grpcLn == nil {
		return nil
	}
	return ing.grpcLn.Addr()
}

// handleHTTP handles POST /v1/logs. It accepts protobuf
// (application/x-protobuf) and JSON (application/json) and answers in the
// request's encoding.
func (ing *Ingester) handleHTTP(w http.ResponseWriter, req *http.Request, sink orchestrator.IngestSink) {
	data, err := bodyutil.ReadBody(req.Body, req.Header.Get("Content-Encoding"), ing.cfg.MaxBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bodyutil.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, "failed to read body: "+err.Error(), status)
		return
	}

	exportReq := &collogspb.ExportLogsServiceRequest{}
	isProto := false
	switch req.Header.Get("Content-Type") {
	case "application/x-protobuf", "application/protobuf":
		isProto = true
		err = proto.Unmarshal(data, exportReq)
	default:
		err = protojson.Unmarshal(data, exportReq)
	}
	if err != nil {
		ing.cfg.Counters.Inc(throughput.DecodeErrors)
		http.Error(w, "invalid OTLP payload", http.StatusBadRequest)
		return
	}

	resp, err := ing.export(exportReq, sink, hostOf(req.RemoteAddr))
	switch {
	case errors.Is(err, orchestrator.ErrBufferFull):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "intake full, retry later", http.StatusTooManyRequests)
		return
	case err != nil:
		http.Error(w, "not accepting records", http.StatusServiceUnavailable)
		return
	}

	var out []byte
	if isProto {
		out, err = proto.Marshal(resp)
		w.Header().Set("Content-Type", "application/x-protobuf")
	} else {
		out, err = protojson.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// export submits every record of req. It returns ErrBufferFull only when
// nothing was accepted; a later refusal becomes a partial success.
func (ing *Ingester) export(req *collogspb.ExportLogsServiceRequest, sink orchestrator.IngestSink, source string) (*collogspb.ExportLogsServiceResponse, error) {
	now := ing.cfg.Now()
	total := countRecords(req)
	accepted := int64(0)

	for _, rl := range req.GetResourceLogs() {
		resource := rl.GetResource().GetAttributes()
		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				msg := buildMessage(lr, resource, sl.GetScope(), source, now)
				err := sink.Submit(msg)
				if err == nil {
					accepted++
					continue
				}
				if accepted == 0 {
					return nil, err
				}
				rejected := total - accepted
				ing.cfg.Counters.Add(throughput.IntakeDropped, rejected)
				return &collogspb.ExportLogsServiceResponse{
					PartialSuccess: &collogspb.ExportLogsPartialSuccess{
						RejectedLogRecords: rejected,
						ErrorMessage:       err.Error(),
					},
				}, nil
			}
		}
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func countRecords(req *collogspb.ExportLogsServiceRequest) int64 {
	var n int64
	for _, rl := range req.GetResourceLogs() {
		for _, sl := range rl.GetScopeLogs() {
			n += int64(len(sl.GetLogRecords()))
		}
	}
	return n
}

// logsServiceServer implements the gRPC LogsService.
type logsServiceServer struct {
	collogspb.UnimplementedLogsServiceServer
	ing  *Ingester
	sink orchestrator.IngestSink
}

func (s *logsServiceServer) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	source := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		source = hostOf(p.Addr.String())
	}
	resp, err := s.ing.export(req, s.sink, source)
	switch {
	case errors.Is(err, orchestrator.ErrBufferFull):
		return nil, status.Error(codes.ResourceExhausted, "intake full")
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return resp, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
