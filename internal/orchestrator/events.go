package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// Channel names an event stream.
type Channel string

const (
	ChannelDataUpdate       Channel = "dataUpdate"
	ChannelConnectionStatus Channel = "connectionStatus"
	ChannelError            Channel = "error"
)

var channels = []Channel{ChannelDataUpdate, ChannelConnectionStatus, ChannelError}

// Valid reports whether c is one of the fixed channels.
func (c Channel) Valid() bool {
	for _, known := range channels {
		if c == known {
			return true
		}
	}
	return false
}

// ConnectionStatus says where dashboard data currently comes from.
type ConnectionStatus struct {
	LiveConnected  bool `json:"liveConnected"`
	UsingSynthetic bool `json:"usingSynthetic"`
}

// ErrorEvent is the payload of an error event. Recovered is set when the
// operation still succeeded through the fallback or a stale cache.
type ErrorEvent struct {
	Op        string
	Err       error
	Recovered bool
}

// Event is delivered to listeners. Exactly one of Snapshot, Status and
// Error is set, according to Channel.
type Event struct {
	Channel   Channel
	Snapshot  *types.DashboardSnapshot
	Status    *ConnectionStatus
	Error     *ErrorEvent
	Timestamp time.Time
}

// Listener receives events. Listeners run synchronously on the goroutine
// that produced the event and must not block.
type Listener func(Event)

// ListenerHandle identifies a registration. The zero value is never issued.
type ListenerHandle string

type registration struct {
	handle ListenerHandle
	fn     Listener
}

// AddEventListener registers fn on channel. Unknown channels are logged and
// yield the zero handle.
func (o *Orchestrator) AddEventListener(channel Channel, fn Listener) ListenerHandle {
	if !channel.Valid() {
		o.logger.Warn("ignoring listener for unknown channel", zap.String("channel", string(channel)))
		return ""
	}
	if fn == nil {
		o.logger.Warn("ignoring nil listener", zap.String("channel", string(channel)))
		return ""
	}

	h := ListenerHandle(uuid.NewString())
	o.mu.Lock()
	o.listeners[channel] = append(o.listeners[channel], registration{handle: h, fn: fn})
	o.mu.Unlock()
	return h
}

// RemoveEventListener removes a registration. It reports whether handle was
// registered on channel.
func (o *Orchestrator) RemoveEventListener(channel Channel, handle ListenerHandle) bool {
	if !channel.Valid() {
		o.logger.Warn("ignoring removal for unknown channel", zap.String("channel", string(channel)))
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	regs := o.listeners[channel]
	for i, r := range regs {
		if r.handle == handle {
			// Copy so in-flight emits keep iterating their own slice.
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			o.listeners[channel] = append(next, regs[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerCount returns the number of listeners on channel.
func (o *Orchestrator) ListenerCount(channel Channel) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.listeners[channel])
}

// emit delivers ev to the channel's listeners in registration order. It must
// be called without o.mu held.
func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	o.mu.Lock()
	regs := o.listeners[ev.Channel]
	o.mu.Unlock()

	metrics.EventsEmittedTotal.WithLabelValues(string(ev.Channel)).Inc()
	for _, r := range regs {
		o.call(r, ev)
	}
}

func (o *Orchestrator) call(r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ListenerPanicsTotal.Inc()
			o.logger.Error("event listener panicked",
				zap.String("channel", string(ev.Channel)),
				zap.String("handle", string(r.handle)),
				zap.String("panic", fmt.Sprint(p)))
		}
	}()
	r.fn(ev)
}

func (o *Orchestrator) emitData(snap *types.DashboardSnapshot) {
	o.emit(Event{Channel: ChannelDataUpdate, Snapshot: snap})
}

func (o *Orchestrator) emitStatus(st ConnectionStatus) {
	o.emit(Event{Channel: ChannelConnectionStatus, Status: &st})
}

func (o *Orchestrator) emitError(op string, err error, recovered bool) {
	o.emit(Event{Channel: ChannelError, Error: &ErrorEvent{Op: op, Err: err, Recovered: recovered}})
}
