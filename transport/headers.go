package transport

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EncodeHeaders flattens a Context into wire headers.
func EncodeHeaders(tc Context) map[string]string {
	var h = make(map[string]string, len(tc.Headers)+7)
	for k, v := range tc.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = strconv.FormatUint(tc.MessageID, 10)
	if tc.CorrelationID != "" {
		h[HeaderCorrelationID] = tc.CorrelationID
	}
	h[HeaderMessageType] = tc.MessageType
	if !tc.SentAt.IsZero() {
		h[HeaderSentAt] = tc.SentAt.UTC().Format(time.RFC3339Nano)
	}
	if tc.TraceParent != "" {
		h[HeaderTraceParent] = tc.TraceParent
	}
	if tc.TraceState != "" {
		h[HeaderTraceState] = tc.TraceState
	}
	if len(tc.Baggage) > 0 {
		var raw, _ = json.Marshal(tc.Baggage)
		h[HeaderBaggage] = string(raw)
	}
	return h
}

// DecodeHeaders rebuilds a Context from wire headers. Unknown headers land
// in Context.Headers.
func DecodeHeaders(h map[string]string) Context {
	var tc = Context{Headers: make(map[string]string)}
	for k, v := range h {
		switch k {
		case HeaderMessageID:
			tc.MessageID, _ = strconv.ParseUint(v, 10, 64)
		case HeaderCorrelationID:
			tc.CorrelationID = v
		case HeaderMessageType:
			tc.MessageType = v
		case HeaderSentAt:
			tc.SentAt, _ = time.Parse(time.RFC3339Nano, v)
		case HeaderTraceParent:
			tc.TraceParent = v
		case HeaderTraceState:
			tc.TraceState = v
		case HeaderBaggage:
			var baggage map[string]string
			if json.Unmarshal([]byte(v), &baggage) == nil {
				tc.Baggage = baggage
			}
		default:
			if !strings.HasPrefix(k, "catga.") {
				tc.Headers[k] = v
			}
		}
	}
	return tc
}
