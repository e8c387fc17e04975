package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// ErrRejected is returned when a backend answers a mutation with success=false.
var ErrRejected = errors.New("update rejected")

type mutation struct {
	op        string
	key       string
	value     any
	tool      string
	args      map[string]any
	synthetic func(context.Context) (bool, error)
	apply     func(*types.DashboardSnapshot)
}

// UpdateSelectedModel selects the active model.
func (o *Orchestrator) UpdateSelectedModel(ctx context.Context, modelID string) (bool, error) {
	return o.mutate(ctx, mutation{
		op:    OpUpdateSelectedModel,
		key:   "models.selected",
		value: modelID,
		tool:  contracts.ToolUpdateSelectedModel,
		args:  map[string]any{contracts.ArgModelID: modelID},
		synthetic: func(ctx context.Context) (bool, error) {
			return o.synthetic.UpdateSelectedModel(ctx, modelID)
		},
		apply: func(s *types.DashboardSnapshot) { s.Models.Selected = modelID },
	})
}

// UpdateSetting sets one named setting.
func (o *Orchestrator) UpdateSetting(ctx context.Context, key string, value any) (bool, error) {
	return o.mutate(ctx, mutation{
		op:    OpUpdateSetting,
		key:   key,
		value: value,
		tool:  contracts.ToolUpdateSetting,
		args:  map[string]any{contracts.ArgKey: key, contracts.ArgValue: value},
		synthetic: func(ctx context.Context) (bool, error) {
			return o.synthetic.UpdateSetting(ctx, key, value)
		},
		apply: func(s *types.DashboardSnapshot) { s.Settings[key] = value },
	})
}

// UpdateTokenBudget sets the budget of a token category, creating the
// category in the cached snapshot when it is new.
func (o *Orchestrator) UpdateTokenBudget(ctx context.Context, category string, value int64) (bool, error) {
	return o.mutate(ctx, mutation{
		op:    OpUpdateTokenBudget,
		key:   category,
		value: value,
		tool:  contracts.ToolUpdateTokenBudget,
		args:  map[string]any{contracts.ArgCategory: category, contracts.ArgValue: value},
		synthetic: func(ctx context.Context) (bool, error) {
			return o.synthetic.UpdateTokenBudget(ctx, category, value)
		},
		apply: func(s *types.DashboardSnapshot) {
			b := s.Tokens.Budgets[category]
			b.Budget = value
			s.Tokens.Budgets[category] = b
		},
	})
}

// mutate tries the live backend with retries, then the synthetic backend
// once. On success the cached snapshot is patched without a refetch.
func (o *Orchestrator) mutate(ctx context.Context, m mutation) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+m.op)
	defer span.End()
	span.SetAttributes(attribute.String("dashboard.key", m.key))

	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()

	var (
		liveErr error
		source  string
	)
	if o.liveUsable() {
		liveErr = o.retry(ctx, m.op, func(ctx context.Context) error {
			res, err := o.live.UseTool(ctx, o.serverName, m.tool, m.args)
			if err != nil {
				return liveError(m.op, err)
			}
			if err := toolOutcome(res); err != nil {
				return liveError(m.op, err)
			}
			return nil
		})
		if liveErr == nil {
			source = types.SourceLive
		}
	}

	if source == "" {
		ok, err := m.synthetic(ctx)
		if err == nil && !ok {
			err = ErrRejected
		}
		if err != nil {
			total := totalFailure(m.op, liveErr, err)
			o.spanError(span, total)
			metrics.MutationsTotal.WithLabelValues(m.op, types.SourceSynthetic, "failure").Inc()
			_ = o.auditLog.LogPreferenceFailed(ctx, m.op, m.key, total)
			o.logger.Error("dashboard update failed",
				zap.String("op", m.op), zap.String("key", m.key), zap.Error(total))
			o.emitError(m.op, total, false)
			return false, total
		}
		source = types.SourceSynthetic
		if liveErr != nil {
			o.count(func(s *Stats) { s.Fallbacks++ })
			metrics.FallbacksTotal.WithLabelValues(m.op).Inc()
			_ = o.auditLog.LogFallback(ctx, m.op, liveErr)
			o.logger.Warn("live update failed, applied to synthetic backend",
				zap.String("op", m.op), zap.Error(liveErr))
			o.emitError(m.op, liveErr, true)
		}
	}

	o.count(func(s *Stats) { s.Mutations++ })
	metrics.MutationsTotal.WithLabelValues(m.op, source, "success").Inc()
	span.SetAttributes(attribute.String("dashboard.source", source))
	_ = o.auditLog.LogPreferenceChanged(ctx, m.op, m.key, m.value, source)

	if snap := o.patch(gen, m.apply); snap != nil {
		o.emit(Event{Channel: ChannelDataUpdate, Snapshot: snap, Timestamp: o.now()})
	}
	return true, nil
}

// toolOutcome interprets a mutation tool result. A result carrying
// "success": false is a rejection; anything else counts as success.
func toolOutcome(res any) error {
	fields, ok := res.(map[string]any)
	if !ok {
		return nil
	}
	success, ok := fields["success"].(bool)
	if !ok || success {
		return nil
	}
	if msg, _ := fields["error"].(string); msg != "" {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return ErrRejected
}
