// Package storage is the object storage boundary used for state documents.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrPreconditionFailed reports a write rejected because the object
	// changed since it was read.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	// IfMatch makes the write conditional on the object's current ETag.
	IfMatch string
}

type ObjectStore interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
