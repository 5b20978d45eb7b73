package flowdsl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/catga/catga/result"
)

// Options tune an Engine.
type Options struct {
	// CASRetries bounds persist retries on version conflicts (default 5).
	CASRetries int
	// SweepInterval paces the wait-timeout sweep loop (default 1s).
	SweepInterval time.Duration
	// MaxForEachConcurrency caps parallel ForEach bodies whose node does
	// not set its own limit (default 8).
	MaxForEachConcurrency int
}

func (o Options) withDefaults() Options {
	if o.CASRetries <= 0 {
		o.CASRetries = 5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.MaxForEachConcurrency <= 0 {
		o.MaxForEachConcurrency = 8
	}
	return o
}

// Engine interprets registered flow definitions against a Store. Multiple
// engines may share a store; snapshot CAS arbitrates concurrent execution
// of the same flow.
type Engine struct {
	store Store
	opts  Options

	mu   sync.RWMutex
	defs map[string]*Definition

	now func() time.Time
}

// NewEngine returns an Engine over store.
func NewEngine(store Store, opts Options) *Engine {
	return &Engine{
		store: store,
		opts:  opts.withDefaults(),
		defs:  make(map[string]*Definition),
		now:   time.Now,
	}
}

// Register adds a flow definition. Definitions are write-only after
// startup.
func (e *Engine) Register(def *Definition) error {
	if def.Name == "" || def.Root == nil {
		return fmt.Errorf("flowdsl: definition needs a name and a root node")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[def.Name]; dup {
		return fmt.Errorf("flowdsl: definition %q already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

func (e *Engine) definition(name string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var def, ok = e.defs[name]
	if !ok {
		return nil, fmt.Errorf("flowdsl: definition %q is not registered", name)
	}
	return def, nil
}

// Start creates the flow instance and runs it until it completes or
// suspends. Starting an existing flowID is a no-op returning the stored
// snapshot, so retried start commands are harmless.
func (e *Engine) Start(ctx context.Context, flowID, flowName string, initial map[string]interface{}) (Snapshot, error) {
	if _, err := e.definition(flowName); err != nil {
		return Snapshot{}, err
	}
	var stateRaw, merr = json.Marshal(NewState(initial))
	if merr != nil {
		return Snapshot{}, fmt.Errorf("encode initial state: %w", merr)
	}

	var snap = Snapshot{FlowID: flowID, Flow: flowName, State: stateRaw, Status: Running}
	var err = e.store.Create(ctx, snap)
	if err == ErrFlowExists {
		var existing, _, gerr = e.store.Get(ctx, flowID)
		if gerr != nil {
			return Snapshot{}, gerr
		}
		return existing, nil
	} else if err != nil {
		return Snapshot{}, err
	}
	log.WithFields(log.Fields{"flowId": flowID, "flow": flowName}).Info("flow started")
	return e.Run(ctx, flowID)
}

// Run resumes flowID until it reaches a terminal status or suspends on a
// wait. Running a waiting or terminal flow returns its snapshot unchanged.
func (e *Engine) Run(ctx context.Context, flowID string) (Snapshot, error) {
	for {
		var snap, ok, err = e.store.Get(ctx, flowID)
		if err != nil {
			return Snapshot{}, err
		}
		if !ok {
			return Snapshot{}, ErrNotFound
		}
		if snap.Status != Running {
			return snap, nil
		}
		if err := ctx.Err(); err != nil {
			return snap, err
		}

		var def, derr = e.definition(snap.Flow)
		if derr != nil {
			return snap, derr
		}
		var state = NewState(nil)
		if uerr := json.Unmarshal(snap.State, state); uerr != nil {
			return snap, fmt.Errorf("decode state of flow %s: %w", flowID, uerr)
		}

		var node, nerr = nodeAt(def.Root, snap.Position)
		if nerr != nil {
			return snap, nerr
		}

		var suspended bool
		snap, suspended, err = e.executeNode(ctx, snap, def, node, state)
		if err != nil {
			return snap, err
		}
		if suspended || snap.Status.Terminal() {
			return snap, nil
		}
	}
}

// executeNode runs or enters the node at the snapshot's position, persists
// the outcome, and reports whether the flow suspended.
func (e *Engine) executeNode(ctx context.Context, snap Snapshot, def *Definition, node Node, state *State) (Snapshot, bool, error) {
	var pos = snap.Position

	switch n := node.(type) {
	case *Sequence:
		if len(n.Children) == 0 {
			return e.advance(ctx, snap, def, state)
		}
		return e.descend(ctx, snap, state, 0)

	case *If:
		if n.Cond(state) {
			return e.descend(ctx, snap, state, 0)
		}
		if n.Else != nil {
			return e.descend(ctx, snap, state, 1)
		}
		return e.advance(ctx, snap, def, state)

	case *Switch:
		var label = n.Selector(state)
		for i, c := range n.Cases {
			if c.When == label {
				return e.descend(ctx, snap, state, i)
			}
		}
		if n.Default != nil {
			return e.descend(ctx, snap, state, len(n.Cases))
		}
		return e.advance(ctx, snap, def, state)

	case *Compensate:
		return e.descend(ctx, snap, state, 0)

	case *Step:
		var r = n.Action(ctx, state)
		observeStep(snap.Flow, n.Name, r.OK())
		if !r.OK() {
			if r.Code() == result.Cancelled {
				return snap, false, r.Err()
			}
			return e.compensateAndFail(ctx, snap, def, state, r.Err())
		}
		if n.ResultKey != "" && r.Value() != nil {
			state.Set(n.ResultKey, r.Value())
		}
		return e.advance(ctx, snap, def, state)

	case *Delay:
		var wc = WaitCondition{
			FlowID:   snap.FlowID,
			Kind:     All,
			Deadline: e.now().Add(n.Duration),
			StepPath: pathString(pos),
		}
		return e.suspend(ctx, snap, state, wc, WaitingTimer)

	case *Wait:
		var kind = n.Kind
		if kind == "" {
			kind = All
		}
		var wc = WaitCondition{
			FlowID:     snap.FlowID,
			Kind:       kind,
			SignalKeys: n.SignalKeys,
			StepPath:   pathString(pos),
		}
		if n.Timeout > 0 {
			wc.Deadline = e.now().Add(n.Timeout)
		}
		var status = WaitingSignal
		if len(n.SignalKeys) == 0 {
			status = WaitingTimer
		}
		return e.suspend(ctx, snap, state, wc, status)

	case *ForEach:
		var ferr = e.runForEach(ctx, snap.FlowID, pathString(pos), n, state)
		if ferr != nil {
			return e.compensateAndFail(ctx, snap, def, state, ferr)
		}
		return e.advance(ctx, snap, def, state)

	case *WhenAll:
		if ferr := e.runBranchesAll(ctx, n.Branches, state); ferr != nil {
			return e.compensateAndFail(ctx, snap, def, state, ferr)
		}
		return e.advance(ctx, snap, def, state)

	case *WhenAny:
		if ferr := e.runBranchesAny(ctx, n.Branches, state); ferr != nil {
			return e.compensateAndFail(ctx, snap, def, state, ferr)
		}
		return e.advance(ctx, snap, def, state)
	}

	return snap, false, fmt.Errorf("flowdsl: unknown node kind %q", node.nodeKind())
}

// descend persists the move into childIdx of the current node.
func (e *Engine) descend(ctx context.Context, snap Snapshot, state *State, childIdx int) (Snapshot, bool, error) {
	var next = make([]int, len(snap.Position), len(snap.Position)+1)
	copy(next, snap.Position)
	next = append(next, childIdx)
	var out, err = e.persist(ctx, snap, state, Running, next, "")
	return out, false, err
}

// advance persists the move past the completed current node, or the
// Succeeded terminal when the root is done.
func (e *Engine) advance(ctx context.Context, snap Snapshot, def *Definition, state *State) (Snapshot, bool, error) {
	var next, more, err = nextPosition(def.Root, snap.Position)
	if err != nil {
		return snap, false, err
	}
	if !more {
		var out, perr = e.persist(ctx, snap, state, Succeeded, nil, "")
		if perr == nil {
			observeFlowDone(snap.Flow, Succeeded)
			log.WithFields(log.Fields{"flowId": snap.FlowID, "flow": snap.Flow}).Info("flow succeeded")
		}
		return out, false, perr
	}
	var out, perr = e.persist(ctx, snap, state, Running, next, "")
	return out, false, perr
}

// suspend stores the wait condition and parks the flow.
func (e *Engine) suspend(ctx context.Context, snap Snapshot, state *State, wc WaitCondition, status Status) (Snapshot, bool, error) {
	if err := e.store.SetWaitCondition(ctx, wc); err != nil {
		return snap, false, err
	}
	var out, err = e.persist(ctx, snap, state, status, snap.Position, "")
	if err != nil {
		return snap, false, err
	}
	// A signal can land between the two writes above; it finds the snapshot
	// still Running and backs off, expecting us to notice. Check once more
	// now that the waiting status is visible.
	var cur, ok, gerr = e.store.GetWaitCondition(ctx, snap.FlowID)
	if gerr != nil {
		return out, true, gerr
	}
	if ok && cur.Complete() {
		var resumed, rerr = e.resumeFromWait(ctx, snap.FlowID, cur, false)
		return resumed, true, rerr
	}
	return out, true, nil
}

// compensateAndFail walks the enclosing Compensate handlers nearest first,
// then parks the flow in Failed.
func (e *Engine) compensateAndFail(ctx context.Context, snap Snapshot, def *Definition, state *State, cause *result.Error) (Snapshot, bool, error) {
	log.WithFields(log.Fields{
		"flowId":   snap.FlowID,
		"flow":     snap.Flow,
		"position": pathString(snap.Position),
		"code":     cause.Code,
	}).Warn("flow step failed, compensating")

	var out, err = e.persist(ctx, snap, state, Compensating, snap.Position, cause.Error())
	if err != nil {
		return snap, false, err
	}
	snap = out

	for i := len(snap.Position) - 1; i >= 0; i-- {
		var ancestor, aerr = nodeAt(def.Root, snap.Position[:i])
		if aerr != nil {
			return snap, false, aerr
		}
		var comp, ok = ancestor.(*Compensate)
		if !ok || comp.OnError == nil {
			continue
		}
		if cerr := comp.OnError(ctx, state); cerr != nil {
			log.WithFields(log.Fields{
				"flowId": snap.FlowID,
				"error":  cerr,
			}).Error("flow compensation failed")
		}
	}

	out, err = e.persist(ctx, snap, state, Failed, snap.Position, cause.Error())
	if err == nil {
		observeFlowDone(snap.Flow, Failed)
	}
	return out, false, err
}

// persist writes the snapshot via CAS, retrying conflicts a bounded number
// of times as long as no other writer moved the flow.
func (e *Engine) persist(ctx context.Context, snap Snapshot, state *State, status Status, position []int, lastError string) (Snapshot, error) {
	var stateRaw, merr = json.Marshal(state)
	if merr != nil {
		return snap, fmt.Errorf("encode state of flow %s: %w", snap.FlowID, merr)
	}

	var expected = snap.Version
	for attempt := 0; ; attempt++ {
		var next = snap
		next.State = stateRaw
		next.Status = status
		next.Position = position
		next.LastError = lastError

		var err = e.store.Update(ctx, next, expected)
		if err == nil {
			next.Version = expected + 1
			return next, nil
		}
		if err != ErrVersionConflict || attempt >= e.opts.CASRetries {
			return snap, err
		}

		// Re-read: retry only when the flow has not been moved by another
		// writer; otherwise the conflict is real.
		var cur, ok, gerr = e.store.Get(ctx, snap.FlowID)
		if gerr != nil {
			return snap, gerr
		}
		if !ok {
			return snap, ErrNotFound
		}
		if cur.Status != snap.Status || pathString(cur.Position) != pathString(snap.Position) {
			return snap, ErrVersionConflict
		}
		expected = cur.Version
	}
}

// runForEach drives the iteration with persisted per-item progress, so a
// resumed flow never reruns a finished index.
func (e *Engine) runForEach(ctx context.Context, flowID, stepPath string, n *ForEach, state *State) *result.Error {
	var items = n.Items(state)

	var prog, ok, err = e.store.GetForEachProgress(ctx, flowID, stepPath)
	if err != nil {
		return &result.Error{Code: result.PersistenceFailed, Message: "load foreach progress", Cause: err}
	}
	if !ok {
		prog = ForEachProgress{
			FlowID:   flowID,
			StepPath: stepPath,
			Total:    len(items),
			Results:  make(map[int]json.RawMessage),
			Failed:   make(map[int]string),
		}
		if serr := e.store.SaveForEachProgress(ctx, prog); serr != nil {
			return &result.Error{Code: result.PersistenceFailed, Message: "save foreach progress", Cause: serr}
		}
	}
	if prog.Results == nil {
		prog.Results = make(map[int]json.RawMessage)
	}
	if prog.Failed == nil {
		prog.Failed = make(map[int]string)
	}

	var limit = 1
	if n.Parallel {
		limit = n.MaxConcurrency
		if limit <= 0 {
			limit = e.opts.MaxForEachConcurrency
		}
	}

	var mu sync.Mutex
	var g *errgroup.Group
	var gctx context.Context
	if n.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
		gctx = ctx
	}
	g.SetLimit(limit)

	for idx, item := range items {
		if prog.Done(idx) {
			continue
		}
		var idx, item = idx, item
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var r = n.Body(gctx, idx, item, state)

			mu.Lock()
			defer mu.Unlock()
			if r.OK() {
				var raw, merr = json.Marshal(r.Value())
				if merr != nil {
					prog.Failed[idx] = fmt.Sprintf("encode item result: %v", merr)
				} else {
					prog.Completed = append(prog.Completed, idx)
					prog.Results[idx] = raw
				}
			} else {
				prog.Failed[idx] = r.Err().Error()
			}
			if serr := e.store.SaveForEachProgress(ctx, prog); serr != nil {
				log.WithFields(log.Fields{"flowId": flowID, "step": stepPath, "error": serr}).
					Warn("foreach progress save failed")
			}
			if !r.OK() && n.FailFast {
				return fmt.Errorf("item %d failed", idx)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(prog.Failed) > 0 {
		return &result.Error{
			Code:    result.HandlerFailed,
			Message: fmt.Sprintf("%d of %d foreach items failed", len(prog.Failed), prog.Total),
		}
	}
	// Finished cleanly; the bookkeeping is no longer needed.
	if cerr := e.store.ClearForEachProgress(ctx, flowID, stepPath); cerr != nil {
		log.WithFields(log.Fields{"flowId": flowID, "step": stepPath, "error": cerr}).
			Warn("foreach progress clear failed")
	}
	if n.Name != "" {
		var results = make([]interface{}, len(items))
		for i := range items {
			var v interface{}
			_ = json.Unmarshal(prog.Results[i], &v)
			results[i] = v
		}
		state.Set(n.Name, results)
	}
	return nil
}

// runBranchesAll executes branches concurrently and fails on the first
// branch failure.
func (e *Engine) runBranchesAll(ctx context.Context, branches []Node, state *State) *result.Error {
	var g, gctx = errgroup.WithContext(ctx)
	for _, branch := range branches {
		var branch = branch
		g.Go(func() error {
			if ferr := e.runInline(gctx, branch, state); ferr != nil {
				return ferr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ferr, ok := err.(*result.Error); ok {
			return ferr
		}
		return &result.Error{Code: result.Unexpected, Message: err.Error(), Cause: err}
	}
	return nil
}

// runBranchesAny completes on the first branch success, cancelling the
// rest; it fails only when every branch fails.
func (e *Engine) runBranchesAny(ctx context.Context, branches []Node, state *State) *result.Error {
	if len(branches) == 0 {
		return nil
	}
	var bctx, cancel = context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var won = make(chan struct{}, 1)
	var mu sync.Mutex
	var failures int
	var firstErr *result.Error

	for _, branch := range branches {
		wg.Add(1)
		var branch = branch
		go func() {
			defer wg.Done()
			var ferr = e.runInline(bctx, branch, state)
			mu.Lock()
			defer mu.Unlock()
			if ferr == nil {
				select {
				case won <- struct{}{}:
					cancel()
				default:
				}
				return
			}
			failures++
			if firstErr == nil {
				firstErr = ferr
			}
		}()
	}
	wg.Wait()

	select {
	case <-won:
		return nil
	default:
	}
	if firstErr != nil {
		return firstErr
	}
	return &result.Error{Code: result.Unexpected, Message: "no branch completed"}
}

// runInline executes a subtree in memory, without persistence. Used inside
// WhenAll/WhenAny branches, whose granularity of durability is the parallel
// node itself.
func (e *Engine) runInline(ctx context.Context, node Node, state *State) *result.Error {
	if err := ctx.Err(); err != nil {
		return &result.Error{Code: result.Cancelled, Message: "branch cancelled", Cause: err}
	}

	switch n := node.(type) {
	case *Sequence:
		for _, child := range n.Children {
			if ferr := e.runInline(ctx, child, state); ferr != nil {
				return ferr
			}
		}
		return nil
	case *Step:
		var r = n.Action(ctx, state)
		if !r.OK() {
			return r.Err()
		}
		if n.ResultKey != "" && r.Value() != nil {
			state.Set(n.ResultKey, r.Value())
		}
		return nil
	case *If:
		if n.Cond(state) {
			return e.runInline(ctx, n.Then, state)
		}
		if n.Else != nil {
			return e.runInline(ctx, n.Else, state)
		}
		return nil
	case *Switch:
		var label = n.Selector(state)
		for _, c := range n.Cases {
			if c.When == label {
				return e.runInline(ctx, c.Node, state)
			}
		}
		if n.Default != nil {
			return e.runInline(ctx, n.Default, state)
		}
		return nil
	case *Compensate:
		var ferr = e.runInline(ctx, n.Body, state)
		if ferr != nil && n.OnError != nil {
			if cerr := n.OnError(ctx, state); cerr != nil {
				log.WithField("error", cerr).Error("inline compensation failed")
			}
		}
		return ferr
	case *Delay:
		var timer = time.NewTimer(n.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &result.Error{Code: result.Cancelled, Message: "branch cancelled", Cause: ctx.Err()}
		case <-timer.C:
			return nil
		}
	case *WhenAll:
		return e.runBranchesAll(ctx, n.Branches, state)
	case *WhenAny:
		return e.runBranchesAny(ctx, n.Branches, state)
	case *ForEach:
		for idx, item := range n.Items(state) {
			var r = n.Body(ctx, idx, item, state)
			if !r.OK() {
				return r.Err()
			}
		}
		return nil
	case *Wait:
		return &result.Error{Code: result.Unexpected, Message: "Wait cannot suspend inside a parallel branch"}
	}
	return &result.Error{Code: result.Unexpected, Message: fmt.Sprintf("unknown node kind %q", node.nodeKind())}
}

// Cancel marks a non-terminal flow Cancelled and drops its wait condition.
func (e *Engine) Cancel(ctx context.Context, flowID string) error {
	var snap, ok, err = e.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if snap.Status.Terminal() {
		return nil
	}
	if _, perr := e.persist(ctx, snap, stateFrom(snap), Cancelled, snap.Position, "cancelled"); perr != nil {
		return perr
	}
	observeFlowDone(snap.Flow, Cancelled)
	return e.store.ClearWaitCondition(ctx, flowID)
}

func stateFrom(snap Snapshot) *State {
	var state = NewState(nil)
	_ = json.Unmarshal(snap.State, state)
	return state
}
