package result

// KV is a single metadata entry.
type KV struct {
	Key   string
	Value string
}

// Metadata is an ordered key→value bag. Insertion order is preserved;
// setting an existing key updates it in place.
type Metadata []KV

// Set returns the Metadata with key set to value. The receiver is not
// mutated when a new entry must be appended to a shared backing array.
func (m Metadata) Set(key, value string) Metadata {
	for i := range m {
		if m[i].Key == key {
			var out = make(Metadata, len(m))
			copy(out, m)
			out[i].Value = value
			return out
		}
	}
	var out = make(Metadata, len(m), len(m)+1)
	copy(out, m)
	return append(out, KV{Key: key, Value: value})
}

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	for i := range m {
		if m[i].Key == key {
			return m[i].Value, true
		}
	}
	return "", false
}

// Merge returns m with all entries of other applied over it.
func (m Metadata) Merge(other Metadata) Metadata {
	var out = m
	for _, kv := range other {
		out = out.Set(kv.Key, kv.Value)
	}
	return out
}
