package mcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-usage/internal/audit"
	"github.com/kubilitics/kubilitics-usage/internal/config"
	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/tracing"
	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
)

// ConnectionState represents the state of the gateway connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// ErrNotConnected is returned by calls made before Connect succeeded.
var ErrNotConnected = errors.New("mcp gateway: not connected")

// Config holds gateway client settings.
type Config struct {
	Address        string
	ServerName     string
	Timeout        time.Duration // per call
	ConnectTimeout time.Duration // bounds the single Connect attempt
	TLSEnabled     bool
	TLSCertPath    string
	TLSKeyPath     string
	TLSCAPath      string
	RateLimit      float64 // calls per second, 0 = unlimited
	RateBurst      int
	EnableBatch    bool
	// ResubscribeDelay is the first wait before reopening a subscription the
	// gateway ended. It doubles per failed attempt up to maxResubscribeDelay.
	ResubscribeDelay time.Duration
}

const maxResubscribeDelay = 30 * time.Second

// ConfigFromService maps the Live section of the service configuration.
func ConfigFromService(cfg *config.Config) Config {
	return Config{
		Address:        cfg.Live.Address,
		ServerName:     cfg.Live.ServerName,
		Timeout:        time.Duration(cfg.Live.Timeout) * time.Second,
		ConnectTimeout: time.Duration(cfg.Live.ConnectTimeout) * time.Second,
		TLSEnabled:     cfg.Live.TLSEnabled,
		TLSCertPath:    cfg.Live.TLSCertPath,
		TLSKeyPath:     cfg.Live.TLSKeyPath,
		TLSCAPath:      cfg.Live.TLSCAPath,
		RateLimit:      cfg.Live.RateLimit,
		RateBurst:      cfg.Live.RateBurst,
		EnableBatch:    cfg.Live.EnableBatch,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithAuditLogger records connection attempts in the audit trail.
func WithAuditLogger(l audit.Logger) Option {
	return func(c *Client) { c.auditLog = l }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithDialOptions appends gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Client talks to an MCP gateway over gRPC. Messages are protobuf Struct and
// Value, so any MCP server behind the gateway can be reached without stubs.
type Client struct {
	cfg      Config
	auditLog audit.Logger
	logger   *zap.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter
	dialOpts []grpc.DialOption

	mu            sync.RWMutex
	conn          *grpc.ClientConn
	state         ConnectionState
	connectedAt   time.Time
	lastCall      time.Time
	totalCalls    int64
	failedCalls   int64
	notifications int64
	subscriptions int
	resubscribes  int64
}

// NewClient creates a gateway client. It does not connect.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = contracts.DefaultServer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}

	c := &Client{
		cfg:      cfg,
		auditLog: audit.NewNopLogger(),
		logger:   zap.NewNop(),
		tracer:   tracing.Tracer(),
		state:    StateDisconnected,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect makes one attempt to reach the gateway, bounded by ConnectTimeout.
// The gateway counts as reachable once its health service reports SERVING.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = c.auditLog.LogConnection(ctx, false, err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.mu.Unlock()

	metrics.LiveConnected.Set(1)
	_ = c.auditLog.LogConnection(ctx, true, nil)
	c.logger.Info("connected to mcp gateway", zap.String("address", c.cfg.Address))
	return nil
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	creds, err := c.buildTransportCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to build transport credentials: %w", err)
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(c.cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: contracts.GatewayService,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway not serving: %s", resp.GetStatus())
	}
	return conn, nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}
	c.state = StateDisconnected
	metrics.LiveConnected.Set(0)

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not called.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

// GetState returns the current connection state
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Capabilities reports the operations this client supports.
func (c *Client) Capabilities() orchestrator.Capability {
	caps := orchestrator.CapRequired
	if c.cfg.EnableBatch {
		caps |= orchestrator.CapBatchResources
	}
	return caps
}

// UseTool invokes an MCP tool and returns its decoded result.
func (c *Client) UseTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		contracts.FieldServer:    server,
		contracts.FieldTool:      tool,
		contracts.FieldArguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tool arguments: %w", err)
	}

	resp := new(structpb.Value)
	if err := c.invoke(ctx, "UseTool", contracts.MethodUseTool, req, resp, attribute.String("mcp.tool", tool)); err != nil {
		return nil, err
	}
	return resp.AsInterface(), nil
}

// AccessResource reads one MCP resource.
func (c *Client) AccessResource(ctx context.Context, server, uri string) (any, error) {
	req, err := structpb.NewStruct(map[string]any{
		contracts.FieldServer: server,
		contracts.FieldURI:    uri,
	})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Value)
	if err := c.invoke(ctx, "ReadResource", contracts.MethodReadResource, req, resp, attribute.String("mcp.uri", uri)); err != nil {
		return nil, err
	}
	return resp.AsInterface(), nil
}

// BatchResources reads several resources in one call. The result is keyed by URI.
func (c *Client) BatchResources(ctx context.Context, server string, uris []string) (map[string]any, error) {
	list := make([]any, len(uris))
	for i, u := range uris {
		list[i] = u
	}
	req, err := structpb.NewStruct(map[string]any{
		contracts.FieldServer: server,
		contracts.FieldURIs:   list,
	})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.invoke(ctx, "BatchReadResources", contracts.MethodBatchResources, req, resp, attribute.Int("mcp.uris", len(uris))); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Subscribe streams notifications for uri to fn until the returned func is
// called. The stream outlives ctx's deadline but not its cancellation values.
// When the gateway ends the stream, for example on restart, it is reopened
// with backoff. Rejections such as an unknown resource end it for good.
func (c *Client) Subscribe(ctx context.Context, uri string, fn func(any)) (func(), error) {
	if _, err := c.connection(); err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{
		contracts.FieldServer: c.cfg.ServerName,
		contracts.FieldURI:    uri,
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.openSubscription(streamCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	c.subscriptions++
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.subscriptions--
			c.mu.Unlock()
		}()
		for {
			err := c.receive(stream, fn)
			if streamCtx.Err() != nil {
				return
			}
			if !retryableStreamError(err) {
				c.logger.Warn("subscription ended", zap.String("uri", uri), zap.Error(err))
				return
			}
			c.logger.Warn("subscription ended, resubscribing", zap.String("uri", uri), zap.Error(err))
			if stream = c.reopenSubscription(streamCtx, uri, req); stream == nil {
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *Client) openSubscription(ctx context.Context, req *structpb.Struct) (grpc.ClientStream, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}, contracts.MethodSubscribe)
	if err != nil {
		return nil, fmt.Errorf("open subscription: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send subscription: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscription send: %w", err)
	}
	return stream, nil
}

// reopenSubscription retries openSubscription until it succeeds, ctx is
// cancelled or the client is disconnected. It returns nil in the latter cases.
func (c *Client) reopenSubscription(ctx context.Context, uri string, req *structpb.Struct) grpc.ClientStream {
	delay := c.cfg.ResubscribeDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		stream, err := c.openSubscription(ctx, req)
		if err == nil {
			c.mu.Lock()
			c.resubscribes++
			c.mu.Unlock()
			c.logger.Info("subscription reopened", zap.String("uri", uri))
			return stream
		}
		if errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
			return nil
		}
		c.logger.Debug("resubscribe failed", zap.String("uri", uri), zap.Duration("retry_in", delay), zap.Error(err))
		delay = min(delay*2, maxResubscribeDelay)
	}
}

// receive delivers messages to fn until the stream fails.
func (c *Client) receive(stream grpc.ClientStream, fn func(any)) error {
	for {
		msg := new(structpb.Value)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		c.mu.Lock()
		c.notifications++
		c.mu.Unlock()
		fn(msg.AsInterface())
	}
}

func retryableStreamError(err error) bool {
	switch status.Code(err) {
	case grpccodes.NotFound, grpccodes.InvalidArgument, grpccodes.PermissionDenied,
		grpccodes.Unauthenticated, grpccodes.Unimplemented:
		return false
	}
	return true
}

// GetStats returns call statistics.
func (c *Client) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var connectedDuration time.Duration
	if c.state == StateConnected {
		connectedDuration = time.Since(c.connectedAt)
	}
	return map[string]interface{}{
		"state":                c.state,
		"address":              c.cfg.Address,
		"connected_at":         c.connectedAt,
		"connected_duration":   connectedDuration.String(),
		"last_call":            c.lastCall,
		"total_calls":          c.totalCalls,
		"failed_calls":         c.failedCalls,
		"notifications":        c.notifications,
		"active_subscriptions": c.subscriptions,
		"resubscribes":         c.resubscribes,
	}
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// invoke runs one unary call with rate limiting, a per-call timeout, metrics
// and a span.
func (c *Client) invoke(ctx context.Context, name, method string, req, resp any, attrs ...attribute.KeyValue) (err error) {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	ctx, span := tracing.StartSpanWithAttributes(ctx, c.tracer, "mcp."+name,
		append(attrs, attribute.String("rpc.method", method))...)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.GatewayRequestsTotal.WithLabelValues(name, status).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		c.mu.Lock()
		c.totalCalls++
		c.lastCall = start
		if err != nil {
			c.failedCalls++
		}
		c.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := conn.Invoke(callCtx, method, req, resp); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// buildTransportCredentials returns TLS or insecure credentials based on config.
func (c *Client) buildTransportCredentials() (credentials.TransportCredentials, error) {
	if !c.cfg.TLSEnabled {
		return insecure.NewCredentials(), nil
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.cfg.TLSCertPath != "" && c.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertPath, c.cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if c.cfg.TLSCAPath != "" {
		caPEM, err := os.ReadFile(c.cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = certPool
	}

	return credentials.NewTLS(tlsCfg), nil
}
