package modbus

import (
	"context"
	"sync"
)

// fakeTransport is an in-memory transport for tests. Written requests
// are recorded and optionally answered synchronously through respond,
// which may split the answer into several bursts to exercise the
// accumulation paths.
type fakeTransport struct {
	portState

	mu      sync.Mutex
	writes  [][]byte
	replies [][]byte
	respond func(p []byte) [][]byte

	baudRate int
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{}
	t.open = true
	return t
}

func (t *fakeTransport) Open(context.Context) error {
	t.portState.mu.Lock()
	defer t.portState.mu.Unlock()
	if t.destroyed {
		return ErrPortDestroyed
	}
	t.open = true
	return nil
}

func (t *fakeTransport) Write(_ context.Context, p []byte) error {
	t.portState.mu.Lock()
	open := t.open
	t.portState.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	t.mu.Lock()
	t.writes = append(t.writes, append([]byte(nil), p...))
	respond := t.respond
	t.mu.Unlock()
	if respond != nil {
		for _, burst := range respond(p) {
			t.inject(burst)
		}
	}
	return nil
}

// inject delivers an inbound burst; replies land in t.replies.
func (t *fakeTransport) inject(p []byte) {
	t.emitData(p, func(_ context.Context, q []byte) error {
		t.mu.Lock()
		t.replies = append(t.replies, append([]byte(nil), q...))
		t.mu.Unlock()
		return nil
	})
}

func (t *fakeTransport) sentReplies() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := make([][]byte, len(t.replies))
	copy(rs, t.replies)
	return rs
}

func (t *fakeTransport) sentWrites() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := make([][]byte, len(t.writes))
	copy(ws, t.writes)
	return ws
}

func (t *fakeTransport) Close() error {
	t.portState.mu.Lock()
	wasOpen := t.open
	t.open = false
	t.portState.mu.Unlock()
	if wasOpen {
		t.emitClosed()
	}
	return nil
}

func (t *fakeTransport) Destroy() {
	t.portState.mu.Lock()
	t.destroyed = true
	t.portState.mu.Unlock()
	t.Close()
}

// fakeSerialTransport adds the SerialInfo marker.
type fakeSerialTransport struct {
	fakeTransport
}

func (t *fakeSerialTransport) BaudRate() int {
	return t.baudRate
}
