// Package catalog attaches external REST catalogs to the engine and keeps
// them bound to the current bearer token.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAttachFailed  = errors.New("catalog: attach failed")
	ErrRefreshFailed = errors.New("catalog: refresh failed")
	ErrDetachFailed  = errors.New("catalog: detach failed")
)

// Config describes a catalog to attach. Token overrides the shared bearer
// token for this attach only and is never persisted.
type Config struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	ProjectID string `json:"project_id,omitempty"`
	Token     string `json:"-"`
}

type Attached struct {
	Name       string    `json:"name"`
	URI        string    `json:"uri"`
	ProjectID  string    `json:"project_id"`
	Secret     string    `json:"secret"`
	AttachedAt time.Time `json:"attached_at"`
}

func (a Attached) Config() Config {
	return Config{Name: a.Name, URI: a.URI, ProjectID: a.ProjectID}
}

// Error reports a failure for a single catalog.
type Error struct {
	Catalog string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("catalog %s: %s: %v", e.Catalog, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Op {
	case OpAttach:
		return target == ErrAttachFailed
	case OpRefresh:
		return target == ErrRefreshFailed
	case OpDetach:
		return target == ErrDetachFailed
	}
	return false
}

const (
	OpAttach  = "attach"
	OpRefresh = "refresh"
	OpDetach  = "detach"
)

type RefreshSummary struct {
	Refreshed []string `json:"refreshed"`
	Evicted   []string `json:"evicted,omitempty"`
}
