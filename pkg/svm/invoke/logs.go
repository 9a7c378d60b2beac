package invoke

import (
	"encoding/base64"
	"strings"
)

// DefaultLogLimit is the default program log bound in bytes.
const DefaultLogLimit = 10_000

// logTruncated is appended once when the bound is hit.
const logTruncated = "Log truncated"

// LogCollector accumulates program log messages up to a byte limit.
type LogCollector struct {
	messages  []string
	bytes     int
	limit     int
	truncated bool
}

// NewLogCollector creates a collector holding at most limit bytes of
// messages. A limit of zero disables the bound.
func NewLogCollector(limit int) *LogCollector {
	return &LogCollector{limit: limit}
}

// Log appends msg. Once the limit would be exceeded a single truncation
// marker is appended and every later message is dropped.
func (lc *LogCollector) Log(msg string) {
	if lc.truncated {
		return
	}
	if lc.limit > 0 && lc.bytes+len(msg) > lc.limit {
		lc.messages = append(lc.messages, logTruncated)
		lc.truncated = true
		return
	}
	lc.messages = append(lc.messages, msg)
	lc.bytes += len(msg)
}

// LogData appends a data message with each field base64 encoded.
func (lc *LogCollector) LogData(fields [][]byte) {
	encoded := make([]string, len(fields))
	for i, f := range fields {
		encoded[i] = base64.StdEncoding.EncodeToString(f)
	}
	lc.Log("Program data: " + strings.Join(encoded, " "))
}

// Messages returns a copy of the collected messages.
func (lc *LogCollector) Messages() []string {
	out := make([]string, len(lc.messages))
	copy(out, lc.messages)
	return out
}

// Bytes returns the number of message bytes counted against the limit.
func (lc *LogCollector) Bytes() int {
	return lc.bytes
}

// Truncated reports whether messages were dropped.
func (lc *LogCollector) Truncated() bool {
	return lc.truncated
}
