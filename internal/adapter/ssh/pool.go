package ssh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrPoolClosing mirrors the teacher's pool.ErrPoolIsClosing (pool/containerpool.go),
// generalized from container handles to pooled *ssh.Client connections.
var ErrPoolClosing = errors.New("ssh: connection pool is shutting down")

// pooledConn is the Connection Pool Entry (§4.5: targetKey, underlying
// connection, lastUsedAt, inUse, useCount, isAlive).
type pooledConn struct {
	client *ssh.Client
	key    string

	mu          sync.Mutex
	lastUsedAt  time.Time
	useCount    int
	isAlive     bool
	missedPings int
}

func (c *pooledConn) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.useCount++
	c.mu.Unlock()
}

func (c *pooledConn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

func (c *pooledConn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}

func (c *pooledConn) setAlive(v bool) {
	c.mu.Lock()
	c.isAlive = v
	c.mu.Unlock()
}

// poolConfig carries the §4.5 pool-tuning knobs.
type poolConfig struct {
	maxSize            int
	idleTimeout        time.Duration
	keepaliveInterval  time.Duration
	keepaliveMaxMissed int
	acquireTimeout     time.Duration
}

// connPool manages a bounded set of live *ssh.Client connections per target
// key (user@host:port), reusing the teacher's channel-backed acquire/release
// pattern (pool/containerpool.go) instead of dialing a fresh connection for
// every Execute call. It additionally evicts connections that have sat idle
// past idleTimeout or failed too many keepalive probes (§4.5).
type connPool struct {
	cfg poolConfig

	mu      sync.Mutex
	closing bool
	perKey  map[string]chan *pooledConn
	sizes   map[string]int

	dial func(ctx context.Context, key string) (*ssh.Client, error)

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
}

func newConnPool(cfg poolConfig, dial func(ctx context.Context, key string) (*ssh.Client, error)) *connPool {
	if cfg.maxSize <= 0 {
		cfg.maxSize = 4
	}
	if cfg.idleTimeout <= 0 {
		cfg.idleTimeout = 5 * time.Minute
	}
	if cfg.keepaliveInterval <= 0 {
		cfg.keepaliveInterval = 30 * time.Second
	}
	if cfg.keepaliveMaxMissed <= 0 {
		cfg.keepaliveMaxMissed = 3
	}
	if cfg.acquireTimeout <= 0 {
		cfg.acquireTimeout = 10 * time.Second
	}
	p := &connPool{
		cfg:           cfg,
		perKey:        make(map[string]chan *pooledConn),
		sizes:         make(map[string]int),
		dial:          dial,
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	go p.keepaliveLoop()
	return p
}

// acquire returns a live idle connection for key, dials a fresh one if the
// per-key pool has room, or blocks up to cfg.acquireTimeout waiting for one
// to be released before failing (§4.5's "block up to acquireTimeoutMs, then
// fail with ConnectionError" — the ConnectionError itself is wrapped by the
// caller in Execute, since only it knows the target's display name).
func (p *connPool) acquire(ctx context.Context, key string) (*pooledConn, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosing
	}
	ch, ok := p.perKey[key]
	if !ok {
		ch = make(chan *pooledConn, p.cfg.maxSize)
		p.perKey[key] = ch
	}
	p.mu.Unlock()

	if conn, ok := p.takeLiveIdle(ch); ok {
		return conn, nil
	}

	p.mu.Lock()
	if p.sizes[key] < p.cfg.maxSize {
		p.sizes[key]++
		p.mu.Unlock()
		conn, err := p.dialNew(ctx, key)
		if err != nil {
			p.mu.Lock()
			p.sizes[key]--
			p.mu.Unlock()
		}
		return conn, err
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.acquireTimeout)
	defer cancel()
	for {
		select {
		case conn := <-ch:
			if !conn.alive() {
				_ = conn.client.Close()
				continue
			}
			return conn, nil
		case <-acquireCtx.Done():
			return nil, acquireCtx.Err()
		}
	}
}

// takeLiveIdle drains ch for the first live connection, discarding dead
// ones it finds along the way.
func (p *connPool) takeLiveIdle(ch chan *pooledConn) (*pooledConn, bool) {
	for {
		select {
		case conn := <-ch:
			if conn.client == nil || !conn.alive() {
				_ = conn.client.Close()
				continue
			}
			return conn, true
		default:
			return nil, false
		}
	}
}

func (p *connPool) dialNew(ctx context.Context, key string) (*pooledConn, error) {
	client, err := p.dial(ctx, key)
	if err != nil {
		return nil, err
	}
	conn := &pooledConn{client: client, key: key, lastUsedAt: time.Now(), isAlive: true}
	return conn, nil
}

func (p *connPool) release(conn *pooledConn) {
	conn.touch()
	p.mu.Lock()
	ch := p.perKey[conn.key]
	closing := p.closing
	p.mu.Unlock()
	if closing || ch == nil || !conn.alive() {
		_ = conn.client.Close()
		return
	}
	select {
	case ch <- conn:
	default:
		_ = conn.client.Close()
	}
}

// discard drops a broken connection from the pool instead of returning it.
func (p *connPool) discard(conn *pooledConn) {
	conn.setAlive(false)
	_ = conn.client.Close()
	p.mu.Lock()
	if n := p.sizes[conn.key]; n > 0 {
		p.sizes[conn.key] = n - 1
	}
	p.mu.Unlock()
}

// keepaliveLoop periodically probes every idle pooled connection, evicting
// ones that have sat idle past idleTimeout or failed too many probes
// (§4.5: "A keepalive probe is sent every keepaliveIntervalMs ... a
// connection failing keepaliveMaxMissed probes is marked dead and evicted").
func (p *connPool) keepaliveLoop() {
	defer close(p.keepaliveDone)
	ticker := time.NewTicker(p.cfg.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopKeepalive:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *connPool) probeAll() {
	p.mu.Lock()
	chans := make(map[string]chan *pooledConn, len(p.perKey))
	for k, ch := range p.perKey {
		chans[k] = ch
	}
	p.mu.Unlock()

	for key, ch := range chans {
		var kept []*pooledConn
		for {
			select {
			case conn := <-ch:
				if time.Since(conn.lastUsedAt) > p.cfg.idleTimeout {
					p.discard(conn)
					continue
				}
				if _, _, err := conn.client.SendRequest("keepalive@xec", true, nil); err != nil {
					conn.mu.Lock()
					conn.missedPings++
					missed := conn.missedPings
					conn.mu.Unlock()
					if missed >= p.cfg.keepaliveMaxMissed {
						p.discard(conn)
						continue
					}
				} else {
					conn.mu.Lock()
					conn.missedPings = 0
					conn.mu.Unlock()
				}
				kept = append(kept, conn)
			default:
				goto drained
			}
		}
	drained:
		for _, conn := range kept {
			select {
			case ch <- conn:
			default:
				p.discard(conn)
			}
		}
		_ = key
	}
}

// shutdown closes every pooled connection across every key.
func (p *connPool) shutdown() error {
	p.mu.Lock()
	p.closing = true
	chans := make([]chan *pooledConn, 0, len(p.perKey))
	for _, ch := range p.perKey {
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	close(p.stopKeepalive)
	<-p.keepaliveDone

	for _, ch := range chans {
		for {
			select {
			case conn := <-ch:
				conn.setAlive(false)
				if err := conn.client.Close(); err != nil {
					slog.Debug("ssh pool shutdown: close connection", "error", err)
				}
				continue
			default:
			}
			break
		}
	}
	return nil
}
