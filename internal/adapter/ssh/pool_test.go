package ssh

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// fakeConn is a minimal ssh.Conn that never touches the network, letting the
// pool's acquire/release/keepalive bookkeeping be exercised against a real
// *ssh.Client without dialing anything, the same dependency-injection spirit
// as the teacher's FileSystem/KeyGenerator seams in sshimmer.go.
type fakeConn struct {
	closed      atomic.Bool
	closeErr    error
	sendRequest func(name string, wantReply bool, payload []byte) (bool, []byte, error)
}

func (f *fakeConn) User() string                   { return "test" }
func (f *fakeConn) SessionID() []byte              { return nil }
func (f *fakeConn) ClientVersion() []byte          { return []byte("SSH-2.0-fake") }
func (f *fakeConn) ServerVersion() []byte          { return []byte("SSH-2.0-fake") }
func (f *fakeConn) RemoteAddr() net.Addr           { return fakeAddr{} }
func (f *fakeConn) LocalAddr() net.Addr            { return fakeAddr{} }
func (f *fakeConn) Close() error                   { f.closed.Store(true); return f.closeErr }
func (f *fakeConn) Wait() error                    { return nil }
func (f *fakeConn) OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	return nil, nil, errors.New("fakeConn: OpenChannel not supported")
}
func (f *fakeConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	if f.sendRequest != nil {
		return f.sendRequest(name, wantReply, payload)
	}
	return true, nil, nil
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

func newFakeClient(sendRequest func(string, bool, []byte) (bool, []byte, error)) *ssh.Client {
	conn := &fakeConn{sendRequest: sendRequest}
	reqs := make(chan *ssh.Request)
	close(reqs)
	chans := make(chan ssh.NewChannel)
	close(chans)
	return ssh.NewClient(conn, chans, reqs)
}

func dialCounter(t *testing.T) (func(ctx context.Context, key string) (*ssh.Client, error), *int32) {
	t.Helper()
	var n int32
	dial := func(ctx context.Context, key string) (*ssh.Client, error) {
		atomic.AddInt32(&n, 1)
		return newFakeClient(nil), nil
	}
	return dial, &n
}

func TestPoolAcquireDialsFreshConnectionUpToMaxSize(t *testing.T) {
	dial, calls := dialCounter(t)
	p := newConnPool(poolConfig{maxSize: 2, acquireTimeout: time.Second}, dial)
	defer p.shutdown()

	c1, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	c2, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("dial called %d times, want 2", atomic.LoadInt32(calls))
	}
	p.release(c1)
	p.release(c2)
}

func TestPoolAcquireReusesReleasedConnection(t *testing.T) {
	dial, calls := dialCounter(t)
	p := newConnPool(poolConfig{maxSize: 1, acquireTimeout: time.Second}, dial)
	defer p.shutdown()

	c1, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	p.release(c1)

	c2, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("second acquire() error = %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("dial called %d times, want 1 (second acquire should reuse)", atomic.LoadInt32(calls))
	}
	if c2.useCount != 1 {
		t.Errorf("useCount = %d, want 1 after one touch() on release", c2.useCount)
	}
	p.release(c2)
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	dial, _ := dialCounter(t)
	p := newConnPool(poolConfig{maxSize: 1, acquireTimeout: 50 * time.Millisecond}, dial)
	defer p.shutdown()

	held, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer p.release(held)

	start := time.Now()
	_, err = p.acquire(context.Background(), "host")
	if err == nil {
		t.Fatal("acquire() error = nil, want a timeout error")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("acquire() returned after %v, want roughly acquireTimeout", elapsed)
	}
}

func TestPoolAcquireFailsWhenClosing(t *testing.T) {
	dial, _ := dialCounter(t)
	p := newConnPool(poolConfig{maxSize: 1}, dial)
	if err := p.shutdown(); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	_, err := p.acquire(context.Background(), "host")
	if !errors.Is(err, ErrPoolClosing) {
		t.Errorf("acquire() error = %v, want ErrPoolClosing", err)
	}
}

func TestPoolDiscardDecrementsSizeAndClosesConn(t *testing.T) {
	dial, calls := dialCounter(t)
	p := newConnPool(poolConfig{maxSize: 1, acquireTimeout: time.Second}, dial)
	defer p.shutdown()

	conn, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	p.discard(conn)
	if conn.alive() {
		t.Error("discarded connection should be marked not alive")
	}

	// size was freed, so a fresh acquire should dial again rather than block.
	if _, err := p.acquire(context.Background(), "host"); err != nil {
		t.Fatalf("acquire() after discard error = %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("dial called %d times, want 2 (discard must free pool capacity)", atomic.LoadInt32(calls))
	}
}

func TestPoolKeepaliveEvictsUnresponsiveConnection(t *testing.T) {
	var mu sync.Mutex
	fail := false
	dial := func(ctx context.Context, key string) (*ssh.Client, error) {
		return newFakeClient(func(string, bool, []byte) (bool, []byte, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return false, nil, errors.New("no response")
			}
			return true, nil, nil
		}), nil
	}

	p := newConnPool(poolConfig{
		maxSize:            1,
		keepaliveInterval:  10 * time.Millisecond,
		keepaliveMaxMissed: 2,
		acquireTimeout:     time.Second,
	}, dial)
	defer p.shutdown()

	conn, err := p.acquire(context.Background(), "host")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	p.release(conn)

	mu.Lock()
	fail = true
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !conn.alive() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("connection was never evicted after exceeding keepaliveMaxMissed")
}

func TestPooledConnIdleForAndTouch(t *testing.T) {
	conn := &pooledConn{lastUsedAt: time.Now().Add(-time.Minute)}
	if conn.idleFor() < 50*time.Second {
		t.Errorf("idleFor() = %v, want roughly 1 minute", conn.idleFor())
	}
	conn.touch()
	if conn.idleFor() > time.Second {
		t.Errorf("idleFor() = %v after touch(), want near zero", conn.idleFor())
	}
	if conn.useCount != 1 {
		t.Errorf("useCount = %d, want 1", conn.useCount)
	}
}
