// Package guardrail holds the limits enforced around query execution and the
// checks that apply them.
package guardrail

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxResultRows       = 10000
	DefaultQueryTimeoutSeconds = 120

	FallbackMemoryWarningMB = 512
	FallbackMemoryLimitMB   = 1024
	FallbackMaxResultSizeMB = 512
)

type Settings struct {
	MaxResultRows       int    `json:"max_result_rows"`
	QueryTimeoutSeconds int    `json:"query_timeout_seconds"`
	MemoryWarningMB     int    `json:"memory_warning_mb"`
	MemoryLimitMB       int    `json:"memory_limit_mb"`
	MaxResultSizeMB     int    `json:"max_result_size_mb"`
	ExtensionRepository string `json:"extension_repository"`
}

// QueryTimeout is zero when the timeout is disabled.
func (s Settings) QueryTimeout() time.Duration {
	if s.QueryTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.QueryTimeoutSeconds) * time.Second
}

// DefaultSettings scales the memory thresholds to the host's total memory.
// hostMB <= 0 means the host size is unknown and static fallbacks apply.
func DefaultSettings(hostMB int64) Settings {
	s := Settings{
		MaxResultRows:       DefaultMaxResultRows,
		QueryTimeoutSeconds: DefaultQueryTimeoutSeconds,
		MemoryWarningMB:     FallbackMemoryWarningMB,
		MemoryLimitMB:       FallbackMemoryLimitMB,
		MaxResultSizeMB:     FallbackMaxResultSizeMB,
	}
	if hostMB > 0 {
		s.MemoryWarningMB = int(hostMB / 2)
		s.MemoryLimitMB = int(hostMB * 4 / 5)
		s.MaxResultSizeMB = int(hostMB / 4)
	}
	return s
}

func (s Settings) Validate() error {
	if s.MaxResultRows < 0 {
		return fmt.Errorf("max_result_rows must be >= 0")
	}
	if s.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("query_timeout_seconds must be >= 0")
	}
	if s.MemoryWarningMB < 0 || s.MemoryLimitMB < 0 {
		return fmt.Errorf("memory thresholds must be >= 0")
	}
	if s.MemoryWarningMB > 0 && s.MemoryLimitMB > 0 && s.MemoryWarningMB > s.MemoryLimitMB {
		return fmt.Errorf("memory_warning_mb must not exceed memory_limit_mb")
	}
	if s.MaxResultSizeMB < 0 {
		return fmt.Errorf("max_result_size_mb must be >= 0")
	}
	return nil
}

// Store is the settings provider read on every query.
type Store struct {
	mu       sync.RWMutex
	settings Settings
}

func NewStore(initial Settings) *Store {
	return &Store{settings: initial}
}

func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return nil
}
