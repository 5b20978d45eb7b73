// Package flowdsl is a durable workflow engine: a flow is a tree of control
// nodes interpreted against a persisted snapshot, so execution survives
// process restarts and suspensions (signals, timers). Positions are paths of
// child indices from the root; the tree itself is static after registration.
package flowdsl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/catga/catga/result"
)

// Node is one control element of a flow tree.
type Node interface {
	nodeKind() string
}

// Sequence runs children in order.
type Sequence struct {
	Children []Node
}

func (*Sequence) nodeKind() string { return "sequence" }

// Seq is the Sequence literal helper.
func Seq(children ...Node) *Sequence { return &Sequence{Children: children} }

// Action is the work a Step performs against the flow state. The returned
// success value, if any, is stored under the step's ResultKey.
type Action func(ctx context.Context, s *State) result.Result[any]

// Step runs a single action.
type Step struct {
	Name string
	// ResultKey, when non-empty, receives the action's success value.
	ResultKey string
	Action    Action
}

func (*Step) nodeKind() string { return "step" }

// If branches on a state predicate. A nil Else completes immediately when
// the condition is false.
type If struct {
	Cond func(s *State) bool
	Then Node
	Else Node
}

func (*If) nodeKind() string { return "if" }

// SwitchCase is one labeled branch of a Switch.
type SwitchCase struct {
	When string
	Node Node
}

// Switch selects the first case whose label equals the selector's value;
// Default (optional) handles the rest.
type Switch struct {
	Selector func(s *State) string
	Cases    []SwitchCase
	Default  Node
}

func (*Switch) nodeKind() string { return "switch" }

// ItemAction is a ForEach body invocation for one item.
type ItemAction func(ctx context.Context, index int, item interface{}, s *State) result.Result[any]

// ForEach iterates Body over Items. With Parallel, up to MaxConcurrency
// items run at once; progress is persisted per item so a resumed flow never
// reruns a completed index.
type ForEach struct {
	Name  string
	Items func(s *State) []interface{}
	Body  ItemAction

	Parallel       bool
	MaxConcurrency int
	// FailFast aborts remaining items on the first failure. Default is to
	// collect failures and finish the iteration.
	FailFast bool
}

func (*ForEach) nodeKind() string { return "foreach" }

// WhenAll runs branches concurrently and completes when every branch
// succeeds; any branch failure fails the node. Branches may not contain
// Wait nodes (persistence granularity is the WhenAll node itself).
type WhenAll struct {
	Branches []Node
}

func (*WhenAll) nodeKind() string { return "whenall" }

// WhenAny runs branches concurrently and completes on the first success,
// cancelling the rest. It fails only when every branch fails.
type WhenAny struct {
	Branches []Node
}

func (*WhenAny) nodeKind() string { return "whenany" }

// WaitKind selects the Wait completion rule.
type WaitKind string

const (
	// All completes when every signal key has been received.
	All WaitKind = "All"
	// Any completes on the first received signal.
	Any WaitKind = "Any"
)

// Wait suspends the flow until external signals satisfy the completion
// rule. With a Timeout, expiry either runs OnTimeout (entered as the Wait
// node's only child) or fails the flow with Timeout.
type Wait struct {
	SignalKeys []string
	Kind       WaitKind
	Timeout    time.Duration
	OnTimeout  Node
}

func (*Wait) nodeKind() string { return "wait" }

// Delay suspends the flow for a fixed duration (a durable timer, not a
// sleeping goroutine).
type Delay struct {
	Duration time.Duration
}

func (*Delay) nodeKind() string { return "delay" }

// Compensate attaches an undo handler to its subtree: when a descendant
// step fails, the handlers of the enclosing Compensate nodes run nearest
// first while the flow is Compensating.
type Compensate struct {
	Body    Node
	OnError func(ctx context.Context, s *State) error
}

func (*Compensate) nodeKind() string { return "compensate" }

// Definition is a named, registered flow tree.
type Definition struct {
	Name string
	Root Node
}

// nodeAt navigates root by path. The path must have been produced by this
// tree; a stale path is a corruption error.
func nodeAt(root Node, path []int) (Node, error) {
	var cur = root
	for depth, idx := range path {
		var child, err = childOf(cur, idx)
		if err != nil {
			return nil, fmt.Errorf("position %s invalid at depth %d: %w", pathString(path), depth, err)
		}
		cur = child
	}
	return cur, nil
}

func childOf(n Node, idx int) (Node, error) {
	switch node := n.(type) {
	case *Sequence:
		if idx < 0 || idx >= len(node.Children) {
			return nil, fmt.Errorf("sequence has %d children, want %d", len(node.Children), idx)
		}
		return node.Children[idx], nil
	case *If:
		if idx == 0 {
			return node.Then, nil
		}
		if idx == 1 && node.Else != nil {
			return node.Else, nil
		}
	case *Switch:
		if idx >= 0 && idx < len(node.Cases) {
			return node.Cases[idx].Node, nil
		}
		if idx == len(node.Cases) && node.Default != nil {
			return node.Default, nil
		}
	case *Compensate:
		if idx == 0 {
			return node.Body, nil
		}
	case *Wait:
		if idx == 0 && node.OnTimeout != nil {
			return node.OnTimeout, nil
		}
	}
	return nil, fmt.Errorf("%s node has no child %d", n.nodeKind(), idx)
}

// nextPosition computes the position after the node at path completes.
// Returns ok=false when the root has completed.
func nextPosition(root Node, path []int) ([]int, bool, error) {
	for len(path) > 0 {
		var parentPath = path[:len(path)-1]
		var idx = path[len(path)-1]
		var parent, err = nodeAt(root, parentPath)
		if err != nil {
			return nil, false, err
		}
		if seq, ok := parent.(*Sequence); ok && idx+1 < len(seq.Children) {
			var next = make([]int, len(parentPath), len(parentPath)+1)
			copy(next, parentPath)
			return append(next, idx+1), true, nil
		}
		// If, Switch, Compensate, and Wait complete when their chosen
		// child completes.
		path = parentPath
	}
	return nil, false, nil
}

// pathString renders a position as "0.2.1"; the empty path is "".
func pathString(path []int) string {
	if len(path) == 0 {
		return ""
	}
	var parts = make([]string, len(path))
	for i, idx := range path {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

func parsePath(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var parts = strings.Split(s, ".")
	var path = make([]int, len(parts))
	for i, p := range parts {
		var idx, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad position %q: %w", s, err)
		}
		path[i] = idx
	}
	return path, nil
}
