package chittysync

// Metrics is the snapshot consumed by health dashboards.
type Metrics struct {
	CircuitState       string  `json:"circuitState"`
	RateLimiterTokens  float64 `json:"rateLimiterTokens"`
	DLQDepth           int     `json:"dlqDepth"`
	DLQPoison          int     `json:"dlqPoison"`
	ConflictsResolved  uint64  `json:"conflictsResolved"`
	ConflictsManual    uint64  `json:"conflictsManual"`
	Submitted          uint64  `json:"submitted"`
	Succeeded          uint64  `json:"succeeded"`
	Failed             uint64  `json:"failed"`
	Broadcasts         uint64  `json:"broadcasts"`
	BroadcastFailures  uint64  `json:"broadcastFailures"`
	DrainCycles        uint64  `json:"drainCycles"`
	DrainedOperations  uint64  `json:"drainedOperations"`
	SessionClockLength int     `json:"sessionClockLength"`
}
