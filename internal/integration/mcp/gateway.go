package mcp

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gateway serves a dashboard data source as an MCP gateway. It is used to run
// a standalone gateway in front of the synthetic backend and in tests.
type Gateway struct {
	source     orchestrator.SyntheticBackend
	serverName string
	logger     *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	ch   chan *structpb.Value
	done chan struct{}
}

// NewGateway creates a gateway serving source under serverName.
func NewGateway(source orchestrator.SyntheticBackend, serverName string, logger *zap.Logger) *Gateway {
	if serverName == "" {
		serverName = contracts.DefaultServer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		source:     source,
		serverName: serverName,
		logger:     logger,
		subs:       make(map[uint64]*subscriber),
	}
}

// Serve runs a gRPC server with the gateway and a health service on lis
// until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, gw *Gateway, opts ...grpc.ServerOption) error {
	srv := grpc.NewServer(opts...)
	RegisterGatewayServer(srv, gw)

	hs := health.NewServer()
	hs.SetServingStatus(contracts.GatewayService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		// GracefulStop waits for open streams, so end them first.
		gw.closeSubscriptions()
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// UseTool dispatches a dashboard tool call.
func (g *Gateway) UseTool(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	fields := req.AsMap()
	if err := g.checkServer(fields); err != nil {
		return nil, err
	}
	tool, _ := fields[contracts.FieldTool].(string)
	args, _ := fields[contracts.FieldArguments].(map[string]any)

	switch tool {
	case contracts.ToolGetDashboardData:
		snap, err := g.source.FetchDashboardData(ctx)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return snapshotValue(snap, "")

	case contracts.ToolRefreshDashboardData:
		snap, err := g.source.RefreshDashboardData(ctx)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		g.notify("tokens", "costs", "usage", "metrics")
		return snapshotValue(snap, "")

	case contracts.ToolUpdateSelectedModel:
		modelID, _ := args[contracts.ArgModelID].(string)
		ok, err := g.source.UpdateSelectedModel(ctx, modelID)
		return g.mutationResult(ok, err, "models")

	case contracts.ToolUpdateSetting:
		key, _ := args[contracts.ArgKey].(string)
		ok, err := g.source.UpdateSetting(ctx, key, args[contracts.ArgValue])
		return g.mutationResult(ok, err, "settings")

	case contracts.ToolUpdateTokenBudget:
		category, _ := args[contracts.ArgCategory].(string)
		value, isNum := args[contracts.ArgValue].(float64)
		if !isNum || value != math.Trunc(value) {
			return toolResult(false, fmt.Sprintf("budget value must be an integer, got %v", args[contracts.ArgValue]))
		}
		ok, err := g.source.UpdateTokenBudget(ctx, category, int64(value))
		return g.mutationResult(ok, err, "tokens")

	default:
		return nil, status.Errorf(codes.NotFound, "unknown tool %q", tool)
	}
}

// ReadResource returns the snapshot or one of its sections.
func (g *Gateway) ReadResource(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	fields := req.AsMap()
	if err := g.checkServer(fields); err != nil {
		return nil, err
	}
	uri, _ := fields[contracts.FieldURI].(string)
	section, err := sectionForURI(uri)
	if err != nil {
		return nil, err
	}

	snap, err := g.source.FetchDashboardData(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return snapshotValue(snap, section)
}

// BatchReadResources reads several resources from a single snapshot.
func (g *Gateway) BatchReadResources(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	if err := g.checkServer(fields); err != nil {
		return nil, err
	}
	uris, _ := fields[contracts.FieldURIs].([]any)
	if len(uris) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no resources requested")
	}

	snap, err := g.source.FetchDashboardData(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	sections, err := snapshotSections(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := make(map[string]any, len(uris))
	for _, u := range uris {
		uri, _ := u.(string)
		section, err := sectionForURI(uri)
		if err != nil {
			return nil, err
		}
		if section == "" {
			out[uri] = sections
			continue
		}
		out[uri] = sections[section]
	}

	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// Subscribe streams change notifications for dashboard://updates.
func (g *Gateway) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	fields := req.AsMap()
	if err := g.checkServer(fields); err != nil {
		return err
	}
	if uri, _ := fields[contracts.FieldURI].(string); uri != contracts.ResourceUpdates {
		return status.Errorf(codes.NotFound, "resource %q is not subscribable", uri)
	}

	sub := &subscriber{ch: make(chan *structpb.Value, 16), done: make(chan struct{})}
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = sub
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-sub.done:
			return status.Error(codes.Unavailable, "subscription closed by gateway")
		case msg := <-sub.ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (g *Gateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// closeSubscriptions ends every open subscription stream. Clients see
// codes.Unavailable and may subscribe again.
func (g *Gateway) closeSubscriptions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		close(sub.done)
		delete(g.subs, id)
	}
}

// notify sends an update notification to every subscriber. Slow subscribers
// miss notifications rather than block mutations.
func (g *Gateway) notify(sections ...string) {
	list := make([]any, len(sections))
	for i, s := range sections {
		list[i] = s
	}
	msg, err := structpb.NewValue(map[string]any{
		"uri":       contracts.ResourceUpdates,
		"sections":  list,
		"timestamp": float64(time.Now().UnixMilli()),
	})
	if err != nil {
		g.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		select {
		case sub.ch <- msg:
		default:
			g.logger.Debug("dropping notification for slow subscriber", zap.Uint64("subscriber", id))
		}
	}
}

func (g *Gateway) mutationResult(ok bool, err error, section string) (*structpb.Value, error) {
	if err != nil {
		return toolResult(false, err.Error())
	}
	if ok {
		g.notify(section)
	}
	return toolResult(ok, "")
}

func (g *Gateway) checkServer(fields map[string]any) error {
	server, _ := fields[contracts.FieldServer].(string)
	if server != g.serverName {
		return status.Errorf(codes.NotFound, "unknown server %q", server)
	}
	return nil
}

func toolResult(success bool, msg string) (*structpb.Value, error) {
	res := map[string]any{"success": success}
	if msg != "" {
		res["error"] = msg
	}
	return structpb.NewValue(res)
}

// sectionForURI returns the snapshot section served by uri, or "" for the
// whole snapshot.
func sectionForURI(uri string) (string, error) {
	if uri == contracts.ResourceSnapshot {
		return "", nil
	}
	for section, u := range contracts.SectionResources {
		if u == uri {
			return section, nil
		}
	}
	return "", status.Errorf(codes.NotFound, "unknown resource %q", uri)
}

func snapshotSections(snap *types.DashboardSnapshot) (map[string]any, error) {
	data, err := types.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	var sections map[string]any
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}

func snapshotValue(snap *types.DashboardSnapshot, section string) (*structpb.Value, error) {
	sections, err := snapshotSections(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var v any = sections
	if section != "" {
		v = sections[section]
	}
	out, err := structpb.NewValue(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
