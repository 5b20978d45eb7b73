package flowdsl

import (
	"encoding/json"
	"sync"
)

// State is the flow's mutable key/value memory. Values must round-trip
// through JSON; numbers read back as float64 unless accessed through the
// typed getters. Safe for the concurrent branches of WhenAll/WhenAny and
// parallel ForEach bodies.
type State struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewState returns a State seeded with initial (may be nil).
func NewState(initial map[string]interface{}) *State {
	var values = make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &State{values: values}
}

// Get returns the value under key.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v, ok = s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// GetString returns the string under key, or "".
func (s *State) GetString(key string) string {
	var v, _ = s.Get(key)
	var str, _ = v.(string)
	return str
}

// GetInt returns the integer under key, tolerating the float64 form JSON
// decoding produces.
func (s *State) GetInt(key string) (int, bool) {
	var v, ok = s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		var i, err = n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// GetBool returns the bool under key, or false.
func (s *State) GetBool(key string) bool {
	var v, _ = s.Get(key)
	var b, _ = v.(bool)
	return b
}

// snapshotValues copies the value map for serialization.
func (s *State) snapshotValues() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out = make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.snapshotValues())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if values == nil {
		values = make(map[string]interface{})
	}
	s.values = values
	return nil
}
