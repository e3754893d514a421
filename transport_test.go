package pronet

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler is a minimal TransportHandler that records every frame
// and the close error it observes, for assertions from the test goroutine.
type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 1)}
}

func (h *recordingHandler) OnFrame(t *Transport, payload []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, append([]byte(nil), payload...))
	h.mu.Unlock()
}

func (h *recordingHandler) OnClose(t *Transport, err error) {
	select {
	case h.closed <- err:
	default:
	}
}

func (h *recordingHandler) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

func newPipeTransports(t *testing.T, cfg *Config) (*Transport, *recordingHandler, *Transport, *recordingHandler) {
	t.Helper()
	c1, c2 := net.Pipe()
	h1, h2 := newRecordingHandler(), newRecordingHandler()
	tr1 := NewTransport(c1, cfg, h1)
	tr2 := NewTransport(c2, cfg, h2)
	tr1.Start()
	tr2.Start()
	return tr1, h1, tr2, h2
}

// SendPacket delivers a frame end to end, and OnFrame receives exactly the
// original payload bytes.
func TestTransportSendReceive(t *testing.T) {
	cfg := defaultConfig()
	tr1, _, tr2, h2 := newPipeTransports(t, cfg)
	defer tr1.Close()
	defer tr2.Close()

	require.True(t, tr1.SendPacket([]byte("hello transport")))

	require.Eventually(t, func() bool {
		return len(h2.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello transport"), h2.Frames()[0])
}

// SendPacket refuses to enqueue once the outbound redline is exceeded,
// returning false rather than blocking.
func TestTransportSendRedline(t *testing.T) {
	cfg := defaultConfig()
	cfg.sendRedline = 8
	c1, _ := net.Pipe()
	defer c1.Close()
	h1 := newRecordingHandler()
	tr1 := NewTransport(c1, cfg, h1)
	// Deliberately do not Start(): the peer never reads, so the send queue
	// backs up and the redline check is exercised deterministically.

	ok := tr1.SendPacket(make([]byte, 4))
	assert.True(t, ok)
	ok = tr1.SendPacket(make([]byte, 100))
	assert.False(t, ok, "oversized payload past the redline must be rejected")
}

// Close is idempotent and stops further sends from succeeding.
func TestTransportCloseIdempotent(t *testing.T) {
	cfg := defaultConfig()
	tr1, _, tr2, _ := newPipeTransports(t, cfg)
	defer tr2.Close()

	require.NoError(t, tr1.Close())
	assert.NoError(t, tr1.Close())
	assert.False(t, tr1.SendPacket([]byte("after close")))
}

// A peer closing its connection delivers OnClose(ErrPeerClosed) (EOF) or a
// transport error to the other side.
func TestTransportPeerCloseNotifies(t *testing.T) {
	cfg := defaultConfig()
	tr1, _, tr2, h2 := newPipeTransports(t, cfg)
	defer tr2.Close()

	require.NoError(t, tr1.Close())

	select {
	case err := <-h2.closed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected OnClose after peer closed")
	}
}

// FlowInfo reflects sampled activity once the flow window has elapsed.
func TestTransportFlowInfo(t *testing.T) {
	cfg := defaultConfig()
	tr1, _, tr2, h2 := newPipeTransports(t, cfg)
	defer tr1.Close()
	defer tr2.Close()
	tr1.flow.SetTimeSpan(time.Millisecond)
	tr2.flow.SetTimeSpan(time.Millisecond)
	time.Sleep(2 * time.Millisecond)

	require.True(t, tr1.SendPacket([]byte("flow sample")))
	require.Eventually(t, func() bool {
		return len(h2.Frames()) == 1
	}, time.Second, 5*time.Millisecond)

	// One more send after the window elapses forces a rate computation.
	time.Sleep(2 * time.Millisecond)
	tr1.SendPacket([]byte("second"))
	require.Eventually(t, func() bool {
		return tr1.FlowInfo().OutFrameRate > 0
	}, time.Second, 5*time.Millisecond)
}
