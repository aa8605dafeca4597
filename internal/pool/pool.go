// Package pool leases engine connections from a fixed-capacity set.
//
// Connections are opened lazily up to the configured maximum. When every
// connection is leased, callers queue in arrival order and a released
// connection is handed directly to the longest-waiting caller.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqe/loqe/internal/query"
)

var ErrDisposed = errors.New("pool: disposed")

const DefaultMaxSize = 4

type OpenFunc func(ctx context.Context) (query.Conn, error)

type Conn struct {
	ID   int64
	Conn query.Conn

	inUse    bool
	lastUsed time.Time
}

// LastUsed is the time the connection was last leased or released.
func (c *Conn) LastUsed() time.Time { return c.lastUsed }

type Stats struct {
	Size      int `json:"size"`
	Active    int `json:"active"`
	Available int `json:"available"`
	Queued    int `json:"queued"`
	Max       int `json:"max"`
}

type waiter struct {
	ch chan *Conn
}

type Pool struct {
	open    OpenFunc
	maxSize int
	logger  *slog.Logger
	clock   func() time.Time

	mu       sync.Mutex
	conns    []*Conn
	opening  int
	waiters  *list.List
	nextID   int64
	disposed bool
}

func New(open OpenFunc, maxSize int, logger *slog.Logger) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		open:    open,
		maxSize: maxSize,
		logger:  logger,
		clock:   time.Now,
		waiters: list.New(),
	}
}

// Acquire leases a connection, waiting in FIFO order when the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return nil, ErrDisposed
		}
		for _, conn := range p.conns {
			if !conn.inUse {
				conn.inUse = true
				conn.lastUsed = p.clock()
				p.mu.Unlock()
				return conn, nil
			}
		}
		if len(p.conns)+p.opening < p.maxSize {
			p.opening++
			p.mu.Unlock()
			return p.grow(ctx)
		}

		w := &waiter{ch: make(chan *Conn, 1)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case conn, ok := <-w.ch:
			if !ok {
				return nil, ErrDisposed
			}
			if conn == nil {
				// Capacity freed by a failed open; compete again.
				continue
			}
			return conn, nil
		case <-ctx.Done():
			p.abandon(w, elem)
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) grow(ctx context.Context) (*Conn, error) {
	raw, err := p.open(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.wakeOneLocked(nil)
		p.mu.Unlock()
		return nil, fmt.Errorf("open pooled connection: %w", err)
	}
	if p.disposed {
		p.mu.Unlock()
		closeQuietly(p.logger, raw)
		return nil, ErrDisposed
	}
	p.nextID++
	conn := &Conn{ID: p.nextID, Conn: raw, inUse: true, lastUsed: p.clock()}
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	return conn, nil
}

// abandon removes a waiter whose context ended. If a connection was handed
// over concurrently it goes back to the pool.
func (p *Pool) abandon(w *waiter, elem *list.Element) {
	p.mu.Lock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case conn, ok := <-w.ch:
		if !ok {
			return
		}
		if conn != nil {
			p.Release(conn)
			return
		}
		p.mu.Lock()
		p.wakeOneLocked(nil)
		p.mu.Unlock()
	default:
	}
}

func (p *Pool) wakeOneLocked(conn *Conn) bool {
	front := p.waiters.Front()
	if front == nil {
		return false
	}
	p.waiters.Remove(front)
	front.Value.(*waiter).ch <- conn
	return true
}

// Release returns a leased connection. A queued caller receives it directly.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	// Drain has already closed every connection it owned.
	if p.disposed || !conn.inUse || !p.ownsLocked(conn) {
		p.mu.Unlock()
		return
	}
	conn.lastUsed = p.clock()
	if !p.wakeOneLocked(conn) {
		conn.inUse = false
	}
	p.mu.Unlock()
}

func (p *Pool) ownsLocked(conn *Conn) bool {
	for _, candidate := range p.conns {
		if candidate == conn {
			return true
		}
	}
	return false
}

// With leases a connection for the duration of fn.
func (p *Pool) With(ctx context.Context, fn func(query.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn.Conn)
}

// DrainIdle closes every connection that is not leased and returns how many were closed.
func (p *Pool) DrainIdle() int {
	return p.reap(func(*Conn) bool { return true })
}

// ReapIdle closes idle connections unused for at least maxIdle.
func (p *Pool) ReapIdle(maxIdle time.Duration) int {
	cutoff := p.clock().Add(-maxIdle)
	return p.reap(func(conn *Conn) bool { return !conn.lastUsed.After(cutoff) })
}

func (p *Pool) reap(match func(*Conn) bool) int {
	p.mu.Lock()
	kept := p.conns[:0]
	var victims []*Conn
	for _, conn := range p.conns {
		if !conn.inUse && match(conn) {
			victims = append(victims, conn)
			continue
		}
		kept = append(kept, conn)
	}
	p.conns = kept
	p.mu.Unlock()

	for _, conn := range victims {
		closeQuietly(p.logger, conn.Conn)
	}
	return len(victims)
}

// Drain disposes the pool: queued callers fail with ErrDisposed and every
// connection, leased or not, is closed.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, conn := range conns {
		closeQuietly(p.logger, conn.Conn)
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Size: len(p.conns), Queued: p.waiters.Len(), Max: p.maxSize}
	for _, conn := range p.conns {
		if conn.inUse {
			stats.Active++
		}
	}
	stats.Available = stats.Size - stats.Active
	return stats
}

func closeQuietly(logger *slog.Logger, conn query.Conn) {
	if err := conn.Close(); err != nil {
		logger.Debug("close pooled connection failed", slog.Any("error", err))
	}
}
