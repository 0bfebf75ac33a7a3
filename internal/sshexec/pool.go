package sshexec

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// poolKey identifies a reusable connection.
type poolKey struct {
	host string
	port int
	user string
}

func keyFor(t Target) poolKey {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return poolKey{host: t.Host, port: port, user: t.User}
}

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
}

// pool is a bounded connection cache with idle expiry. Channel creation on a
// shared client serializes inside x/crypto/ssh; command execution does not.
type pool struct {
	mu      sync.Mutex
	conns   map[poolKey]*pooledConn
	max     int
	idleTTL time.Duration
	done    chan struct{}
}

func newPool(max int, idleTTL time.Duration) *pool {
	if max <= 0 {
		max = 32
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	p := &pool{
		conns:   make(map[poolKey]*pooledConn),
		max:     max,
		idleTTL: idleTTL,
		done:    make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *pool) get(t Target) *ssh.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[keyFor(t)]; ok {
		pc.lastUsed = time.Now()
		return pc.client
	}
	return nil
}

func (p *pool) put(t Target, client *ssh.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := keyFor(t)
	if old, ok := p.conns[key]; ok && old.client != client {
		_ = old.client.Close() //nolint:errcheck
	}

	if len(p.conns) >= p.max {
		p.evictOldestLocked()
	}
	p.conns[key] = &pooledConn{client: client, lastUsed: time.Now()}
}

func (p *pool) invalidate(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keyFor(t)
	if pc, ok := p.conns[key]; ok {
		delete(p.conns, key)
		_ = pc.client.Close() //nolint:errcheck
	}
}

func (p *pool) evictOldestLocked() {
	var oldestKey poolKey
	var oldest *pooledConn
	for k, pc := range p.conns {
		if oldest == nil || pc.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = k, pc
		}
	}
	if oldest != nil {
		delete(p.conns, oldestKey)
		_ = oldest.client.Close() //nolint:errcheck
	}
}

// reap closes idle connections past their TTL.
func (p *pool) reap() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for k, pc := range p.conns {
				if pc.lastUsed.Before(cutoff) {
					delete(p.conns, k)
					_ = pc.client.Close() //nolint:errcheck
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *pool) closeAll() {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, pc := range p.conns {
		delete(p.conns, k)
		_ = pc.client.Close() //nolint:errcheck
	}
}
