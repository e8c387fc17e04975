// Package orchestrator is the single entry point for reading and mutating
// dashboard data.
//
// It routes every operation to a live backend when one is usable and falls
// back to a synthetic backend otherwise. Live calls are retried with
// exponential backoff; a successful refresh is cached for a TTL and announced
// to listeners on the dataUpdate channel. Failures are broadcast on the error
// channel before they reach the caller, and only a failure of both backends
// with nothing cached is returned as an error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/audit"
	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/internal/tracing"
	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// Defaults for the tunable constants.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = 500 * time.Millisecond
	DefaultCacheTTL        = 30 * time.Second
	DefaultConnectTimeout  = 3 * time.Second
	DefaultRefreshInterval = 5 * time.Second
)

// Operation names used in errors, events and the audit trail.
const (
	OpRefresh             = "refresh"
	OpUpdateSelectedModel = "updateSelectedModel"
	OpUpdateSetting       = "updateSetting"
	OpUpdateTokenBudget   = "updateTokenBudget"
)

type cacheEntry struct {
	snapshot  *types.DashboardSnapshot
	fetchedAt time.Time
}

// Stats counts orchestrator activity.
type Stats struct {
	Refreshes        int64 `json:"refreshes"`
	CacheHits        int64 `json:"cacheHits"`
	LiveFetches      int64 `json:"liveFetches"`
	SyntheticFetches int64 `json:"syntheticFetches"`
	Fallbacks        int64 `json:"fallbacks"`
	StaleServed      int64 `json:"staleServed"`
	TotalFailures    int64 `json:"totalFailures"`
	Mutations        int64 `json:"mutations"`
	Invalidations    int64 `json:"invalidations"`
}

// Orchestrator owns the current snapshot, its cache entry and the listener
// registry. It is safe for concurrent use.
type Orchestrator struct {
	live      LiveBackend
	synthetic SyntheticBackend

	maxRetries       int
	baseDelay        time.Duration
	cacheTTL         time.Duration
	connectTimeout   time.Duration
	serverName       string
	subscribeUpdates bool
	now              func() time.Time
	logger           *zap.Logger
	auditLog         audit.Logger
	tracer           trace.Tracer

	mu          sync.Mutex
	cache       *cacheEntry
	generation  uint64
	inflight    int
	listeners   map[Channel][]registration
	status      ConnectionStatus
	stopRefresh context.CancelFunc
	unsubscribe func()
	stats       Stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries sets the number of live attempts per operation.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithBaseDelay sets the backoff base; the wait after failed attempt i
// (0-based) is base*2^i.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.baseDelay = d }
}

// WithCacheTTL sets how long a snapshot is served without I/O. 0 disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.cacheTTL = d }
}

// WithConnectTimeout bounds the connect attempt made by Initialize.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.connectTimeout = d }
}

// WithServerName sets the MCP server that owns dashboard data.
func WithServerName(name string) Option {
	return func(o *Orchestrator) { o.serverName = name }
}

// WithSubscribeUpdates enables cache invalidation from dashboard://updates.
func WithSubscribeUpdates(enabled bool) Option {
	return func(o *Orchestrator) { o.subscribeUpdates = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithAuditLogger sets the audit trail.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Orchestrator) { o.auditLog = l }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator. synthetic is required; live may be nil, in
// which case every operation uses the synthetic backend.
func New(live LiveBackend, synthetic SyntheticBackend, opts ...Option) (*Orchestrator, error) {
	if synthetic == nil {
		return nil, fmt.Errorf("synthetic backend is required")
	}

	o := &Orchestrator{
		live:             live,
		synthetic:        synthetic,
		maxRetries:       DefaultMaxRetries,
		baseDelay:        DefaultBaseDelay,
		cacheTTL:         DefaultCacheTTL,
		connectTimeout:   DefaultConnectTimeout,
		serverName:       contracts.DefaultServer,
		subscribeUpdates: true,
		now:              time.Now,
		logger:           zap.NewNop(),
		auditLog:         audit.NewNopLogger(),
		tracer:           tracing.NoopTracer(),
		listeners:        make(map[Channel][]registration),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", o.maxRetries)
	}
	if o.baseDelay < 0 || o.cacheTTL < 0 {
		return nil, fmt.Errorf("base delay and cache TTL cannot be negative")
	}
	return o, nil
}

// Refresh returns the current dashboard snapshot.
//
// A cached snapshot younger than the TTL is returned as is unless
// forceSynthetic is set. Otherwise the live backend is tried with retries and
// any failure falls back to the synthetic backend; forceSynthetic skips the
// live backend and asks the synthetic one for fresh data. If the synthetic
// backend fails as well, a stale cached snapshot is returned when one exists;
// with nothing cached the error is broadcast and returned.
func (o *Orchestrator) Refresh(ctx context.Context, forceSynthetic bool) (*types.DashboardSnapshot, error) {
	o.mu.Lock()
	if !forceSynthetic && o.cache != nil && o.now().Sub(o.cache.fetchedAt) < o.cacheTTL {
		snap := o.cache.snapshot
		o.stats.CacheHits++
		o.mu.Unlock()
		metrics.CacheHits.Inc()
		return snap, nil
	}
	gen := o.generation
	o.inflight++
	o.stats.Refreshes++
	o.mu.Unlock()
	metrics.CacheMisses.Inc()

	defer func() {
		o.mu.Lock()
		o.inflight--
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.Start(ctx, "orchestrator.Refresh",
		trace.WithAttributes(attribute.Bool("dashboard.force_synthetic", forceSynthetic)))
	defer span.End()
	start := o.now()

	var (
		snap    *types.DashboardSnapshot
		liveErr error
		source  = types.SourceSynthetic
	)
	if !forceSynthetic && o.liveUsable() {
		snap, liveErr = o.fetchLive(ctx)
		if liveErr == nil {
			source = types.SourceLive
			o.count(func(s *Stats) { s.LiveFetches++ })
		}
	}

	if snap == nil {
		var synthErr error
		if forceSynthetic {
			snap, synthErr = o.synthetic.RefreshDashboardData(ctx)
		} else {
			snap, synthErr = o.synthetic.FetchDashboardData(ctx)
		}
		if synthErr == nil && snap == nil {
			synthErr = errors.New("synthetic backend returned no data")
		}
		if synthErr != nil {
			span.SetStatus(codes.Error, synthErr.Error())
			return o.refreshFailed(ctx, gen, liveErr, synthErr)
		}
		o.count(func(s *Stats) { s.SyntheticFetches++ })
		if liveErr != nil {
			o.count(func(s *Stats) { s.Fallbacks++ })
			metrics.FallbacksTotal.WithLabelValues(OpRefresh).Inc()
			_ = o.auditLog.LogFallback(ctx, OpRefresh, liveErr)
			o.logger.Warn("live refresh failed, served synthetic data", zap.Error(liveErr))
		}
	}

	snap.Normalize()
	snap.Source = source
	snap.IsLoading = false
	elapsed := o.now().Sub(start)

	stored := o.store(gen, snap)
	metrics.RefreshTotal.WithLabelValues(source, "success").Inc()
	metrics.RefreshDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("dashboard.source", source))
	_ = o.auditLog.LogRefresh(ctx, source, elapsed)

	if !stored {
		o.logger.Debug("discarding refresh that resolved after cleanup")
		return snap, nil
	}
	if liveErr != nil {
		o.emitError(OpRefresh, liveErr, true)
	}
	o.emitData(snap)
	return snap, nil
}

func (o *Orchestrator) refreshFailed(ctx context.Context, gen uint64, liveErr, synthErr error) (*types.DashboardSnapshot, error) {
	err := totalFailure(OpRefresh, liveErr, synthErr)

	o.mu.Lock()
	var stale *types.DashboardSnapshot
	if o.cache != nil && o.generation == gen {
		stale = o.cache.snapshot
	}
	current := o.generation == gen
	o.mu.Unlock()

	if stale != nil {
		o.count(func(s *Stats) { s.StaleServed++ })
		metrics.RefreshTotal.WithLabelValues("stale", "success").Inc()
		_ = o.auditLog.LogRefreshFailed(ctx, err, true)
		o.logger.Warn("both backends failed, serving stale snapshot", zap.Error(err))
		o.emitError(OpRefresh, err, true)
		return stale, nil
	}

	o.count(func(s *Stats) { s.TotalFailures++ })
	metrics.RefreshTotal.WithLabelValues(types.SourceSynthetic, "failure").Inc()
	_ = o.auditLog.LogRefreshFailed(ctx, err, false)
	o.logger.Error("dashboard refresh failed", zap.Error(err))
	if current {
		o.emitError(OpRefresh, err, false)
	}
	return nil, err
}

// fetchLive reads a snapshot from the live backend with retries.
func (o *Orchestrator) fetchLive(ctx context.Context) (*types.DashboardSnapshot, error) {
	var snap *types.DashboardSnapshot
	err := o.retry(ctx, OpRefresh, func(ctx context.Context) error {
		raw, err := o.fetchLiveRaw(ctx)
		if err != nil {
			return liveError(OpRefresh, err)
		}
		s, err := types.DecodeSnapshot(raw)
		if err != nil {
			return liveError(OpRefresh, err)
		}
		snap = s
		return nil
	})
	return snap, err
}

func (o *Orchestrator) fetchLiveRaw(ctx context.Context) (any, error) {
	if br, ok := o.live.(BatchResourcer); ok && o.live.Capabilities().Has(CapBatchResources) {
		sections := make([]string, 0, len(contracts.SectionResources))
		for section := range contracts.SectionResources {
			sections = append(sections, section)
		}
		slices.Sort(sections)
		uris := make([]string, len(sections))
		for i, section := range sections {
			uris[i] = contracts.SectionResources[section]
		}

		res, err := br.BatchResources(ctx, o.serverName, uris)
		if err != nil {
			return nil, err
		}
		payload := make(map[string]any, len(sections))
		for _, section := range sections {
			if v, ok := res[contracts.SectionResources[section]]; ok {
				payload[section] = v
			}
		}
		return payload, nil
	}
	return o.live.UseTool(ctx, o.serverName, contracts.ToolGetDashboardData, nil)
}

// retry runs fn up to maxRetries times, waiting baseDelay*2^i after failed
// attempt i. The last error is returned.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RetryAttemptsTotal.WithLabelValues(op).Inc()
			delay := backoff(o.baseDelay, attempt-1)
			if werr := sleep(ctx, delay); werr != nil {
				return liveError(op, errors.Join(err, werr))
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		o.logger.Debug("live attempt failed",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

// backoff returns the wait after the given failed attempt (0-based).
func backoff(base time.Duration, failedAttempt int) time.Duration {
	return base << failedAttempt
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// liveUsable checks the live backend once for the current operation.
func (o *Orchestrator) liveUsable() bool {
	if o.live == nil || !o.live.Capabilities().Has(CapRequired) {
		return false
	}
	if c, ok := o.live.(Connector); ok {
		return c.IsConnected()
	}
	return true
}

// store replaces the cache entry unless Cleanup ran since gen was taken.
func (o *Orchestrator) store(gen uint64, snap *types.DashboardSnapshot) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen {
		return false
	}
	o.cache = &cacheEntry{snapshot: snap, fetchedAt: o.now()}
	return true
}

// patch applies fn to a copy of the cached snapshot and swaps it in, keeping
// the original fetch time. It returns the new snapshot, or nil when nothing
// is cached.
func (o *Orchestrator) patch(gen uint64, fn func(*types.DashboardSnapshot)) *types.DashboardSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen || o.cache == nil {
		return nil
	}
	next := o.cache.snapshot.Clone()
	fn(next)
	o.cache = &cacheEntry{snapshot: next, fetchedAt: o.cache.fetchedAt}
	return next
}

// Invalidate expires the cached snapshot so the next Refresh fetches. The
// snapshot is kept as a stale fallback.
func (o *Orchestrator) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cache != nil {
		o.cache = &cacheEntry{snapshot: o.cache.snapshot}
	}
	o.stats.Invalidations++
}

func (o *Orchestrator) count(fn func(*Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

// Snapshot returns the cached snapshot, or nil.
func (o *Orchestrator) Snapshot() *types.DashboardSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cache == nil {
		return nil
	}
	return o.cache.snapshot
}

// IsLoading reports whether a refresh is outstanding and nothing is cached.
func (o *Orchestrator) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache == nil && o.inflight > 0
}

// Status returns the last connection status computed by Initialize or the
// background refresh.
func (o *Orchestrator) Status() ConnectionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// GetStats returns activity counters and cache state.
func (o *Orchestrator) GetStats() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	listeners := 0
	for _, regs := range o.listeners {
		listeners += len(regs)
	}
	stats := map[string]interface{}{
		"stats":           o.stats,
		"cached":          o.cache != nil,
		"refresh_active":  o.stopRefresh != nil,
		"subscribed":      o.unsubscribe != nil,
		"cache_ttl":       o.cacheTTL.String(),
		"max_retries":     o.maxRetries,
		"base_delay":      o.baseDelay.String(),
		"live_configured": o.live != nil,
		"listeners":       listeners,
		"live_connected":  o.status.LiveConnected,
		"using_synthetic": o.status.UsingSynthetic,
	}
	if o.cache != nil {
		stats["cache_age"] = o.now().Sub(o.cache.fetchedAt).String()
		stats["cache_source"] = o.cache.snapshot.Source
	}
	if o.live != nil {
		stats["live_capabilities"] = o.live.Capabilities().String()
		if s, ok := o.live.(interface{ GetStats() map[string]interface{} }); ok {
			stats["live"] = s.GetStats()
		}
	}
	return stats
}

// Initialize makes one bounded attempt to connect the live backend, performs
// an immediate refresh, and when interval > 0 starts a background refresh
// loop, replacing any previous one. The resulting status is returned and
// broadcast on the connectionStatus channel.
func (o *Orchestrator) Initialize(ctx context.Context, interval time.Duration) ConnectionStatus {
	o.stopTimer()
	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Initialize")
	defer span.End()

	if c, ok := o.live.(Connector); ok && !c.IsConnected() {
		cctx, cancel := context.WithTimeout(ctx, o.connectTimeout)
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			o.logger.Warn("live backend unavailable, using synthetic data", zap.Error(err))
			_ = o.auditLog.LogConnection(ctx, false, err)
		}
	}

	if o.subscribeUpdates && o.liveUsable() {
		o.subscribe(ctx)
	}

	if _, err := o.Refresh(ctx, false); err != nil {
		o.logger.Warn("initial refresh failed", zap.Error(err))
	}

	status := o.updateStatus(true)
	span.SetAttributes(
		attribute.Bool("dashboard.live_connected", status.LiveConnected),
		attribute.Bool("dashboard.using_synthetic", status.UsingSynthetic))

	if interval > 0 {
		o.startRefreshLoop(ctx, gen, interval)
	}
	return status
}

// startRefreshLoop starts the background loop unless Cleanup ran since gen
// was read. A loop left by a concurrent Initialize is stopped first, so at
// most one runs.
func (o *Orchestrator) startRefreshLoop(ctx context.Context, gen uint64, interval time.Duration) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		cancel()
		return
	}
	prev := o.stopRefresh
	o.stopRefresh = cancel
	o.mu.Unlock()
	if prev != nil {
		prev()
	}
	go o.refreshLoop(loopCtx, interval)
}

func (o *Orchestrator) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Refresh(ctx, false); err != nil && ctx.Err() == nil {
				o.logger.Warn("background refresh failed", zap.Error(err))
			}
			if ctx.Err() == nil {
				o.updateStatus(false)
			}
		}
	}
}

// updateStatus recomputes the connection status and broadcasts it when it
// changed or always is set.
func (o *Orchestrator) updateStatus(always bool) ConnectionStatus {
	live := o.liveUsable()
	o.mu.Lock()
	status := ConnectionStatus{LiveConnected: live, UsingSynthetic: !live}
	if o.cache != nil {
		status.UsingSynthetic = o.cache.snapshot.Source != types.SourceLive
	}
	changed := status != o.status
	o.status = status
	o.mu.Unlock()

	if live {
		metrics.LiveConnected.Set(1)
	} else {
		metrics.LiveConnected.Set(0)
	}
	if always || changed {
		o.emitStatus(status)
	}
	return status
}

// subscribe registers for push invalidation. A notification expires the
// cache and triggers a refresh.
func (o *Orchestrator) subscribe(ctx context.Context) {
	o.mu.Lock()
	prev := o.unsubscribe
	o.unsubscribe = nil
	gen := o.generation
	o.mu.Unlock()
	if prev != nil {
		prev()
	}

	bg := context.WithoutCancel(ctx)
	unsub, err := o.live.Subscribe(ctx, contracts.ResourceUpdates, func(payload any) {
		o.mu.Lock()
		stale := o.generation != gen
		o.mu.Unlock()
		if stale {
			return
		}
		o.Invalidate()
		_ = o.auditLog.Log(bg, audit.NewEvent(audit.EventPushInvalidation).
			WithSource(types.SourceLive).
			WithMetadata("payload", payload).
			WithResult(audit.ResultSuccess))
		if _, err := o.Refresh(bg, false); err != nil {
			o.logger.Warn("refresh after push invalidation failed", zap.Error(err))
		}
	})
	if err != nil {
		o.logger.Warn("failed to subscribe to dashboard updates", zap.Error(err))
		return
	}

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		unsub()
		return
	}
	o.unsubscribe = unsub
	o.mu.Unlock()
}

func (o *Orchestrator) stopTimer() {
	o.mu.Lock()
	cancel := o.stopRefresh
	o.stopRefresh = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cleanup stops the background refresh, releases the update subscription,
// and clears all listeners and the cache. Refreshes still in flight finish
// without touching the cache or notifying anyone. It is safe to call at any
// time, any number of times.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	cancel := o.stopRefresh
	unsub := o.unsubscribe
	o.stopRefresh = nil
	o.unsubscribe = nil
	o.cache = nil
	o.listeners = make(map[Channel][]registration)
	o.status = ConnectionStatus{}
	o.generation++
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// RefreshActive reports whether a background refresh loop is scheduled.
func (o *Orchestrator) RefreshActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopRefresh != nil
}

func (o *Orchestrator) spanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
