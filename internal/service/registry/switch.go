package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
)

// SwitchInput routes a service's traffic to one slot.
type SwitchInput struct {
	ServiceID string `json:"-"`
	ToLabel   string `json:"toLabel"`
	Reason    string `json:"reason,omitempty"`
}

// Switch makes the target slot the only active one.
func (e *Engine) Switch(ctx context.Context, actor domain.Actor, in SwitchInput) (domain.ServiceDetail, error) {
	const op = "registry.Switch"
	if err := authorize(op, actor); err != nil {
		return domain.ServiceDetail{}, err
	}
	label := strings.ToLower(strings.TrimSpace(in.ToLabel))
	if label == "" {
		return domain.ServiceDetail{}, fail(KindValidation, op, ErrInvalidInput, "toLabel is required")
	}
	unlock := e.lockService(in.ServiceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, in.ServiceID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	idx, err := findEnvironment(op, envs, label)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	if err := e.switchLocked(ctx, op, svc, envs, idx, in.Reason, actor, false); err != nil {
		return domain.ServiceDetail{}, err
	}
	return e.reload(ctx, op, svc.ID)
}

// Failover moves traffic away from failedEnvID when it is still the active
// slot and the other slot is running and healthy. It reports whether a
// switch happened.
func (e *Engine) Failover(ctx context.Context, serviceID, failedEnvID string) (bool, error) {
	const op = "registry.Failover"
	unlock := e.lockService(serviceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, serviceID)
	if err != nil {
		return false, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return false, err
	}
	var failed *domain.Environment
	for i := range envs {
		if envs[i].IsActive {
			failed = &envs[i]
		}
	}
	if failed == nil || failed.ID != failedEnvID || failed.Status == domain.StatusHealthy {
		return false, nil
	}
	target := -1
	for i, env := range envs {
		if env.ID != failed.ID && env.Running() && env.Status == domain.StatusHealthy {
			target = i
			break
		}
	}
	if target < 0 {
		return false, nil
	}
	reason := fmt.Sprintf("automatic failover: %s %s", failed.Label, failed.Status)
	if err := e.switchLocked(ctx, op, svc, envs, target, reason, domain.SystemActor, true); err != nil {
		return false, err
	}
	e.logger.Warn("automatic failover", "service_id", svc.ID, "from", failed.Label, "to", envs[target].Label)
	return true, nil
}

// switchLocked is the single traffic switch used by operators and the
// health monitor. The caller holds the service lock and has reconciled envs.
func (e *Engine) switchLocked(ctx context.Context, op string, svc *domain.Service, envs []domain.Environment, target int, reason string, actor domain.Actor, automated bool) error {
	to := envs[target]
	if !to.Running() {
		return fail(KindPrecondition, op, ErrTargetNotRunning, "start %s before routing traffic", to.Label)
	}
	var from string
	for _, env := range envs {
		if env.IsActive {
			from = env.Label
		}
	}

	if err := e.store.SwitchActive(ctx, svc.ID, to.ID); err != nil {
		return internal(op, err)
	}

	evt := &domain.SwitchEvent{
		ID:          uuid.NewString(),
		ServiceID:   svc.ID,
		FromLabel:   from,
		ToLabel:     to.Label,
		Reason:      reason,
		InitiatedBy: actor.ID,
	}
	if err := e.store.CreateSwitchEvent(ctx, evt); err != nil {
		e.logger.Warn("record switch event failed", "service_id", svc.ID, "error", err)
	}
	e.emit(events.ServiceSwitched, svc.ID, events.SwitchedPayload{
		ServiceID: svc.ID,
		FromLabel: from,
		ToLabel:   to.Label,
		Reason:    reason,
	})

	message := "Routed traffic to " + to.Label + " slot"
	if from != "" {
		message += " (from " + from + ")"
	}
	meta := map[string]any{"from": from, "reason": nil}
	if reason != "" {
		meta["reason"] = reason
	}
	e.recordActivity(ctx, activity{
		serviceID:     svc.ID,
		environmentID: to.ID,
		actor:         actor,
		kind:          domain.ActivityServiceSwitched,
		message:       message,
		metadata:      meta,
	})

	if e.observer != nil {
		e.observer.ObserveSwitch(svc.Name, from, to.Label, automated)
	}
	e.logger.Info("traffic switched", "service_id", svc.ID, "from", from, "to", to.Label, "automated", automated)
	e.publishRouter(fmt.Sprintf("switch %s to %s", svc.Name, to.Label))
	return nil
}
