package orchestrator

import (
	"context"
	"strings"

	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// Capability is a set of operations a live backend supports.
type Capability uint8

const (
	CapUseTool Capability = 1 << iota
	CapAccessResource
	CapSubscribe
	CapBatchResources

	// CapRequired must all be present for a live backend to be used.
	CapRequired = CapUseTool | CapAccessResource | CapSubscribe
)

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var names []string
	for _, f := range []struct {
		cap  Capability
		name string
	}{
		{CapUseTool, "useTool"},
		{CapAccessResource, "accessResource"},
		{CapSubscribe, "subscribe"},
		{CapBatchResources, "batchResources"},
	} {
		if c.Has(f.cap) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// LiveBackend is the network-connected dashboard data source.
type LiveBackend interface {
	Capabilities() Capability
	UseTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
	AccessResource(ctx context.Context, server, uri string) (any, error)
	// Subscribe delivers notifications for uri to fn until the returned
	// func is called.
	Subscribe(ctx context.Context, uri string, fn func(any)) (func(), error)
}

// BatchResourcer is implemented by live backends that can read several
// resources in one call. It is only used when CapBatchResources is set.
type BatchResourcer interface {
	BatchResources(ctx context.Context, server string, uris []string) (map[string]any, error)
}

// Connector is implemented by live backends with an explicit connection.
type Connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// SyntheticBackend is the offline data source used as a fallback.
type SyntheticBackend interface {
	FetchDashboardData(ctx context.Context) (*types.DashboardSnapshot, error)
	RefreshDashboardData(ctx context.Context) (*types.DashboardSnapshot, error)
	UpdateSelectedModel(ctx context.Context, modelID string) (bool, error)
	UpdateSetting(ctx context.Context, key string, value any) (bool, error)
	UpdateTokenBudget(ctx context.Context, category string, value int64) (bool, error)
}
