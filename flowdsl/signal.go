package flowdsl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Signal delivers a named payload to a waiting flow. The payload is stored
// under "signal.<key>" in the flow state once the wait completes. Signaling
// an undeclared key is rejected; signaling a flow with no pending wait is a
// no-op so late or duplicate signals are harmless.
func (e *Engine) Signal(ctx context.Context, flowID, key string, payload []byte) error {
	var wc, ok, err = e.store.GetWaitCondition(ctx, flowID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var declared bool
	for _, k := range wc.SignalKeys {
		if k == key {
			declared = true
			break
		}
	}
	if !declared {
		return fmt.Errorf("flowdsl: flow %s is not waiting for signal %q", flowID, key)
	}

	if len(payload) == 0 {
		payload = []byte("null")
	}
	// The merge is atomic in the store, so concurrent signals for distinct
	// keys all land regardless of order.
	var merged, stillWaiting, aerr = e.store.AddReceived(ctx, flowID, key, payload)
	if aerr != nil {
		return aerr
	}
	if !stillWaiting {
		return nil
	}
	log.WithFields(log.Fields{"flowId": flowID, "signal": key}).Debug("flow signal recorded")

	if !merged.Complete() {
		return nil
	}
	var _, rerr = e.resumeFromWait(ctx, flowID, merged, false)
	return rerr
}

// resumeFromWait moves a suspended flow past (or into the timeout branch
// of) its wait node and continues execution.
func (e *Engine) resumeFromWait(ctx context.Context, flowID string, wc WaitCondition, timedOut bool) (Snapshot, error) {
	var snap, ok, err = e.store.Get(ctx, flowID)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if snap.Status != WaitingSignal && snap.Status != WaitingTimer {
		// Raced with another resumer; whoever won has already cleared the
		// condition.
		return snap, nil
	}

	var def, derr = e.definition(snap.Flow)
	if derr != nil {
		return snap, derr
	}
	var pos, perr = parsePath(wc.StepPath)
	if perr != nil {
		return snap, perr
	}
	var node, nerr = nodeAt(def.Root, pos)
	if nerr != nil {
		return snap, nerr
	}

	var state = stateFrom(snap)
	for key, raw := range wc.Received {
		var v interface{}
		if json.Unmarshal(raw, &v) == nil {
			state.Set("signal."+key, v)
		}
	}

	var wait, isWait = node.(*Wait)
	switch {
	case timedOut && isWait && len(wc.SignalKeys) > 0:
		if wait.OnTimeout != nil {
			// Enter the fallback branch.
			var next = append(append([]int(nil), pos...), 0)
			snap, err = e.persist(ctx, snap, state, Running, next, "")
		} else {
			snap, err = e.persist(ctx, snap, state, Failed, pos,
				fmt.Sprintf("Timeout: wait at %s expired", wc.StepPath))
			if err == nil {
				observeFlowDone(snap.Flow, Failed)
				log.WithFields(log.Fields{"flowId": flowID, "position": wc.StepPath}).
					Warn("flow wait timed out")
			}
		}
	default:
		// Signal completion, or an elapsed Delay timer.
		var next, more, aerr = nextPosition(def.Root, pos)
		if aerr != nil {
			return snap, aerr
		}
		if !more {
			snap, err = e.persist(ctx, snap, state, Succeeded, nil, "")
			if err == nil {
				observeFlowDone(snap.Flow, Succeeded)
			}
		} else {
			snap, err = e.persist(ctx, snap, state, Running, next, "")
		}
	}
	if err == ErrVersionConflict {
		// Another resumer (a racing signal, or the sweep) moved the flow
		// first; its outcome stands.
		var cur, stillThere, gerr = e.store.Get(ctx, flowID)
		if gerr == nil && stillThere && cur.Status != snap.Status {
			return cur, nil
		}
		return snap, err
	} else if err != nil {
		return snap, err
	}
	if cerr := e.store.ClearWaitCondition(ctx, flowID); cerr != nil {
		return snap, cerr
	}
	if snap.Status != Running {
		return snap, nil
	}
	return e.Run(ctx, flowID)
}

// SweepTimeouts resumes every flow whose wait deadline has passed and
// returns how many it moved.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	var due, err = e.store.GetTimedOutWaitConditions(ctx, now)
	if err != nil {
		return 0, err
	}
	var swept int
	for _, wc := range due {
		if _, rerr := e.resumeFromWait(ctx, wc.FlowID, wc, true); rerr != nil {
			log.WithFields(log.Fields{"flowId": wc.FlowID, "error": rerr}).
				Warn("flow timeout sweep failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// StartSweep runs the timeout sweep loop until ctx is cancelled.
func (e *Engine) StartSweep(ctx context.Context) {
	var ticker = time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepTimeouts(ctx, e.now()); err != nil {
				log.WithField("error", err).Warn("flow timeout sweep failed")
			}
		}
	}
}

// Recover resumes every non-terminal flow, typically after a process
// restart. Flows parked on a wait stay parked; the sweep loop handles
// their deadlines.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	var ids, err = e.store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, id := range ids {
		var snap, ok, gerr = e.store.Get(ctx, id)
		if gerr != nil {
			return resumed, gerr
		}
		if !ok || snap.Status != Running {
			continue
		}
		if _, rerr := e.Run(ctx, id); rerr != nil {
			log.WithFields(log.Fields{"flowId": id, "error": rerr}).Warn("flow recovery failed")
			continue
		}
		resumed = append(resumed, id)
	}
	return resumed, nil
}
