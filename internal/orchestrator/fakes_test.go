package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

var (
	errLive      = errors.New("live: connection refused")
	errSynthetic = errors.New("synthetic: simulated failure")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func livePayload(selected string) map[string]any {
	return map[string]any{
		"tokens": map[string]any{
			"total":      1200.0,
			"byCategory": map[string]any{"input": 1000.0, "output": 200.0},
			"budgets":    map[string]any{"input": map[string]any{"used": 1000.0, "budget": 5000.0}},
		},
		"models": map[string]any{
			"selected":  selected,
			"available": []any{map[string]any{"id": selected, "name": selected}},
		},
		"settings": map[string]any{"theme": "dark"},
	}
}

type fakeLive struct {
	mu         sync.Mutex
	caps       Capability
	failFirst  int
	alwaysFail bool
	payload    any
	toolResult any
	calls      map[string]int
	batchCalls int
	subscriber func(any)
	unsubs     int
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		caps:    CapRequired,
		payload: livePayload("live-model"),
		calls:   make(map[string]int),
	}
}

func (f *fakeLive) Capabilities() Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *fakeLive) UseTool(_ context.Context, _, tool string, _ map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[tool]++
	if f.alwaysFail || f.calls[tool] <= f.failFirst {
		return nil, errLive
	}
	if tool == contracts.ToolGetDashboardData {
		return f.payload, nil
	}
	if f.toolResult != nil {
		return f.toolResult, nil
	}
	return map[string]any{"success": true}, nil
}

func (f *fakeLive) AccessResource(_ context.Context, _, uri string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	if f.alwaysFail {
		return nil, errLive
	}
	return f.payload, nil
}

func (f *fakeLive) Subscribe(_ context.Context, _ string, fn func(any)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriber = fn
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.subscriber = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeLive) BatchResources(_ context.Context, _ string, uris []string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.alwaysFail {
		return nil, errLive
	}
	sections, _ := f.payload.(map[string]any)
	out := make(map[string]any, len(uris))
	for section, uri := range contracts.SectionResources {
		if v, ok := sections[section]; ok {
			out[uri] = v
		}
	}
	return out, nil
}

func (f *fakeLive) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tool]
}

func (f *fakeLive) notify(payload any) {
	f.mu.Lock()
	fn := f.subscriber
	f.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

// connectingLive adds an explicit connection to fakeLive.
type connectingLive struct {
	*fakeLive
	connectErr error
	connects   int
	connected  bool
}

func (c *connectingLive) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *connectingLive) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type fakeSynthetic struct {
	mu           sync.Mutex
	snap         *types.DashboardSnapshot
	err          error
	updateErr    error
	fetchCalls   int
	refreshCalls int
	updateCalls  int

	// When set, FetchDashboardData signals started and waits for release.
	started chan struct{}
	release chan struct{}
}

func newSyntheticSnapshot() *types.DashboardSnapshot {
	s := types.NewSnapshot()
	s.Models.Selected = "m1"
	s.Models.Available = []types.ModelInfo{{ID: "m1", Name: "Model One"}, {ID: "m2", Name: "Model Two"}}
	s.Tokens.Total = 42
	s.Tokens.Budgets["input"] = types.TokenBudget{Used: 10, Budget: 100}
	s.Settings["theme"] = "light"
	return s
}

func newFakeSynthetic() *fakeSynthetic {
	return &fakeSynthetic{snap: newSyntheticSnapshot()}
}

func (f *fakeSynthetic) FetchDashboardData(ctx context.Context) (*types.DashboardSnapshot, error) {
	f.mu.Lock()
	f.fetchCalls++
	started, release := f.started, f.release
	snap, err := f.snap, f.err
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (f *fakeSynthetic) RefreshDashboardData(ctx context.Context) (*types.DashboardSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *fakeSynthetic) update() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return false, f.updateErr
	}
	return true, nil
}

func (f *fakeSynthetic) UpdateSelectedModel(context.Context, string) (bool, error) {
	return f.update()
}

func (f *fakeSynthetic) UpdateSetting(context.Context, string, any) (bool, error) {
	return f.update()
}

func (f *fakeSynthetic) UpdateTokenBudget(context.Context, string, int64) (bool, error) {
	return f.update()
}

func (f *fakeSynthetic) counts() (fetch, refresh, update int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.refreshCalls, f.updateCalls
}

// recorder collects events per channel.
type recorder struct {
	mu     sync.Mutex
	events map[Channel][]Event
}

func record(o *Orchestrator) *recorder {
	r := &recorder{events: make(map[Channel][]Event)}
	for _, ch := range channels {
		o.AddEventListener(ch, func(ev Event) {
			r.mu.Lock()
			r.events[ev.Channel] = append(r.events[ev.Channel], ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) get(ch Channel) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[ch]...)
}
