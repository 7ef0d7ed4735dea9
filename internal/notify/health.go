package notify

import (
	"sync"
	"time"
)

// Sink health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
	HealthDisabled = "disabled"
)

// Failure counts at which a sink's status degrades.
const (
	degradedAfterFailures = 3
	failedAfterFailures   = 10
)

// SinkHealth is the runtime health of one sink.
type SinkHealth struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
}

// healthManager tracks sink health in memory with copy-on-read access.
type healthManager struct {
	mu     sync.RWMutex
	health map[string]*SinkHealth
}

func newHealthManager() *healthManager {
	return &healthManager{health: make(map[string]*SinkHealth)}
}

func (hm *healthManager) register(sink string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health[sink] = &SinkHealth{Status: HealthOK}
}

func (hm *healthManager) disable(sink string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health[sink] = &SinkHealth{Status: HealthDisabled}
}

func (hm *healthManager) recordSuccess(sink string, at time.Time) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h, ok := hm.health[sink]
	if !ok {
		h = &SinkHealth{}
		hm.health[sink] = h
	}
	h.Status = HealthOK
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.LastAttempt = at
}

func (hm *healthManager) recordFailure(sink string, at time.Time, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h, ok := hm.health[sink]
	if !ok {
		h = &SinkHealth{}
		hm.health[sink] = h
	}
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	h.LastAttempt = at
	switch {
	case h.ConsecutiveFailures >= failedAfterFailures:
		h.Status = HealthFailed
	case h.ConsecutiveFailures >= degradedAfterFailures:
		h.Status = HealthDegraded
	default:
		h.Status = HealthOK
	}
}

// all returns a copy of every sink's health.
func (hm *healthManager) all() map[string]SinkHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]SinkHealth, len(hm.health))
	for name, h := range hm.health {
		out[name] = *h
	}
	return out
}
