// Package models defines state graph structures for StateFlow conversations.
package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Route is a candidate destination state with a human-readable intent.
type Route struct {
	State  string `json:"state" yaml:"state"`
	Intent string `json:"intent,omitempty" yaml:"intent,omitempty"`
}

// RouteTable holds the three exit classes of a state. Each class is ordered; the
// first listed route wins ties.
type RouteTable struct {
	Success []Route `json:"success,omitempty" yaml:"success,omitempty"`
	Persist []Route `json:"persist,omitempty" yaml:"persist,omitempty"`
	Escape  []Route `json:"escape,omitempty" yaml:"escape,omitempty"`
}

// Class returns the routes of the given class.
func (rt RouteTable) Class(c RouteClass) []Route {
	switch c {
	case RouteSuccess:
		return rt.Success
	case RoutePersist:
		return rt.Persist
	case RouteEscape:
		return rt.Escape
	default:
		return nil
	}
}

// Empty reports whether every class is empty.
func (rt RouteTable) Empty() bool {
	return len(rt.Success) == 0 && len(rt.Persist) == 0 && len(rt.Escape) == 0
}

// Contains reports whether the class lists the destination state.
func (rt RouteTable) Contains(c RouteClass, state string) bool {
	for _, r := range rt.Class(c) {
		if r.State == state {
			return true
		}
	}
	return false
}

// Find returns the first class listing the destination state.
func (rt RouteTable) Find(state string) (RouteClass, bool) {
	for _, c := range RouteClasses {
		if rt.Contains(c, state) {
			return c, true
		}
	}
	return "", false
}

// State is a named node in the conversation graph.
type State struct {
	Name         string            `json:"name" yaml:"name"`
	Mission      string            `json:"mission,omitempty" yaml:"mission,omitempty"`
	DataKey      string            `json:"data_key" yaml:"data_key"`
	DataType     DataType          `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Prohibitions string            `json:"prohibitions,omitempty" yaml:"prohibitions,omitempty"`
	Prompt       string            `json:"prompt,omitempty" yaml:"prompt,omitempty"` // question asked when entering the state
	Tools        []string          `json:"tools,omitempty" yaml:"tools,omitempty"`
	ToolArgs     map[string]string `json:"tool_args,omitempty" yaml:"tool_args,omitempty"` // tool argument name -> collected data key
	Routes       RouteTable        `json:"routes" yaml:"routes"`
}

// RequiresData reports whether the state collects a concrete data key.
func (s State) RequiresData() bool {
	key := strings.TrimSpace(s.DataKey)
	return key != "" && !strings.EqualFold(key, NoDataKey)
}

// Satisfied reports whether the state's required key already holds a valid value.
func (s State) Satisfied(data map[string]any) bool {
	if !s.RequiresData() {
		return false
	}
	v, ok := data[s.DataKey]
	if !ok {
		return false
	}
	return s.DataType.Accepts(v)
}

// Accepts reports whether v is a non-null value of the data type.
func (t DataType) Accepts(v any) bool {
	if v == nil {
		return false
	}
	switch t {
	case DataTypeString:
		s, ok := v.(string)
		return ok && strings.TrimSpace(s) != ""
	case DataTypeNumber:
		_, ok := AsNumber(v)
		return ok
	case DataTypeBoolean:
		_, ok := v.(bool)
		return ok
	default:
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return true
	}
}

// AsNumber converts numeric values, including numeric strings, to float64.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", "."), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Transition records the state a conversation landed in at the end of a turn.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// TransitionHistory is a bounded recent window of transitions, oldest first.
type TransitionHistory struct {
	Entries []Transition `json:"entries"`
}

// Window returns a history holding at most the last n entries.
func (h TransitionHistory) Window(n int) TransitionHistory {
	if n <= 0 || len(h.Entries) <= n {
		return h
	}
	out := make([]Transition, n)
	copy(out, h.Entries[len(h.Entries)-n:])
	return TransitionHistory{Entries: out}
}
