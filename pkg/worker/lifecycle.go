package worker

import (
	"context"
	"time"

	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/types"
)

// purgeRetryInterval governs how often a stuck Purge sandbox retries its
// force-remove.
const purgeRetryInterval = 60 * time.Second

// tickOne applies one daemon-loop check to a single sandbox, per its
// current resting state. Each branch that needs to talk to the runtime or
// the controller does so synchronously within the pool goroutine that
// tickOne already runs on.
func (w *Worker) tickOne(ctx context.Context, s *sandboxState) {
	snap := s.snapshot()
	appCfg := w.applicationConfig(snap.Application)
	keepAlive := time.Duration(appCfg.KeepAlive) * time.Second
	idleTime := time.Duration(w.agentCfg.Parameters.IdleTimeSec) * time.Second
	idle := time.Since(snap.EnteredState)

	switch snap.Status {
	case types.Warm:
		if idle >= idleTime && idle >= keepAlive {
			s.setStatus(types.Dummy)
			w.requestDecision(ctx, s)
		}

	case types.Base:
		if idle >= 6*keepAlive {
			w.requestDecision(ctx, s)
		}

	case types.Dedup:
		if idle >= idleTime {
			w.requestDecision(ctx, s)
		}

	case types.Running:
		execTime := time.Duration(appCfg.ExecTime) * time.Millisecond
		if idle >= execTime {
			s.setStatus(types.Dummy)
			w.previousOp(ctx, s, snap)
		}

	case types.Purge:
		if idle >= purgeRetryInterval {
			if err := w.purgeSandbox(ctx, s); err != nil {
				log.WithContainerID(w.logger, snap.ID).Warn().Err(err).Msg("purge retry failed")
			}
		}

	case types.Dummy:
		if idle >= keepAlive {
			s.setStatus(types.Purge)
			if err := w.purgeSandbox(ctx, s); err != nil {
				log.WithContainerID(w.logger, snap.ID).Warn().Err(err).Msg("dummy escalated to purge, retry scheduled")
			}
		}
	}
}

// requestDecision asks the controller what to do with an idle sandbox and
// applies the answer.
func (w *Worker) requestDecision(ctx context.Context, s *sandboxState) {
	snap := s.snapshot()
	resp, err := w.ctrl.GetDecision(ctx, &rpc.GetDecisionRequest{SandboxID: snap.ID})
	if err != nil {
		w.logger.Warn().Err(err).Int("sandbox_id", snap.ID).Msg("get_decision failed")
		return
	}
	w.applyDecision(ctx, s, resp.Decision)
}

func (w *Worker) applyDecision(ctx context.Context, s *sandboxState, decision string) {
	switch decision {
	case "base":
		w.becomeBase(ctx, s)
	case "dedup":
		w.becomeDedup(ctx, s)
	case "warm":
		w.becomeWarmFromDedup(ctx, s)
	case "purge":
		if err := w.purgeSandbox(ctx, s); err != nil {
			w.logger.Warn().Err(err).Msg("decision purge failed, sandbox parked for retry")
		}
	default:
		w.logger.Warn().Str("decision", decision).Msg("unrecognized decision")
	}
}

// previousOp reverts a just-finished Running sandbox to the stable state it
// held before being dispatched: Warm sandboxes pause back to Warm, Base
// sandboxes pause back to Base (no re-checkpoint, they are sticky), Dedup
// sandboxes pause back to Warm because the dedup bookkeeping was already
// consumed by the restore that made them Running.
func (w *Worker) previousOp(ctx context.Context, s *sandboxState, snap sandboxState) {
	name := w.sandboxName(snap.ID)
	if err := w.rt.Pause(ctx, name); err != nil {
		w.logger.Warn().Err(err).Int("sandbox_id", snap.ID).Msg("previous_op pause failed")
		return
	}

	next := types.Warm
	if snap.PrevStableStatus == types.Base {
		next = types.Base
	}
	s.setStatus(next)
	w.reportStatus(ctx, snap.ID, next)
}

func (w *Worker) reportStatus(ctx context.Context, id int, st types.State) {
	if _, err := w.ctrl.UpdateStatus(ctx, &rpc.UpdateStatusRequest{SandboxID: id, Status: st.String()}); err != nil {
		w.logger.Warn().Err(err).Int("sandbox_id", id).Msg("update_status failed")
	}
}

// fallbackWarm is the shared failure path for the Base/Dedup transitions:
// pause in place, report Warm, and tell the controller to blacklist the
// sandbox so the decision policy stops retrying it.
func (w *Worker) fallbackWarm(ctx context.Context, s *sandboxState, cause error) {
	snap := s.snapshot()
	w.logger.Warn().Err(cause).Int("sandbox_id", snap.ID).Msg("falling back to warm")

	name := w.sandboxName(snap.ID)
	_ = w.rt.Pause(ctx, name)
	s.setStatus(types.Warm)
	w.reportStatus(ctx, snap.ID, types.Warm)

	if _, err := w.ctrl.Blacklist(ctx, &rpc.BlacklistRequest{SandboxID: snap.ID}); err != nil {
		w.logger.Warn().Err(err).Int("sandbox_id", snap.ID).Msg("blacklist failed")
	}
}
