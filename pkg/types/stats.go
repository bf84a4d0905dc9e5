package types

import "time"

// CommandStats tracks how a single device method has been behaving.
type CommandStats struct {
	TotalAttempts int           `json:"total_attempts"`
	TotalSuccess  int           `json:"total_success"`
	TotalTimeouts int           `json:"total_timeouts"`
	LastLatency   time.Duration `json:"last_latency"`
	LastAttempt   time.Time     `json:"last_attempt"`
	LastSuccess   bool          `json:"last_success"`
	LastError     string        `json:"last_error,omitempty"`
}

// SuccessRate returns the percentage of attempts that got an answer.
func (s CommandStats) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.TotalSuccess) / float64(s.TotalAttempts) * 100
}
