package pronet

import "sync/atomic"

// Metrics is the counter surface every Transport/Session/fabric node
// updates as it runs. Collectors read via Get*; nothing in the hot path
// blocks on a collector.
type Metrics interface {
	IncrementFramesSent()
	IncrementFramesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementDrops()
	IncrementBackpressureEvents()
	IncrementHandshakeFailures()
	IncrementActiveLinks(delta int64)

	GetFramesSent() int64
	GetFramesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetDrops() int64
	GetBackpressureEvents() int64
	GetHandshakeFailures() int64
	GetActiveLinks() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	framesSent          int64
	framesReceived      int64
	bytesSent           int64
	bytesReceived       int64
	drops               int64
	backpressureEvents  int64
	handshakeFailures   int64
	activeLinks         int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementFramesSent()           { atomic.AddInt64(&m.framesSent, 1) }
func (m *DefaultMetrics) IncrementFramesReceived()       { atomic.AddInt64(&m.framesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }
func (m *DefaultMetrics) IncrementDrops()                { atomic.AddInt64(&m.drops, 1) }
func (m *DefaultMetrics) IncrementBackpressureEvents()   { atomic.AddInt64(&m.backpressureEvents, 1) }
func (m *DefaultMetrics) IncrementHandshakeFailures()    { atomic.AddInt64(&m.handshakeFailures, 1) }
func (m *DefaultMetrics) IncrementActiveLinks(delta int64) {
	atomic.AddInt64(&m.activeLinks, delta)
}

func (m *DefaultMetrics) GetFramesSent() int64     { return atomic.LoadInt64(&m.framesSent) }
func (m *DefaultMetrics) GetFramesReceived() int64 { return atomic.LoadInt64(&m.framesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64       { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64   { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetDrops() int64           { return atomic.LoadInt64(&m.drops) }
func (m *DefaultMetrics) GetBackpressureEvents() int64 {
	return atomic.LoadInt64(&m.backpressureEvents)
}
func (m *DefaultMetrics) GetHandshakeFailures() int64 { return atomic.LoadInt64(&m.handshakeFailures) }
func (m *DefaultMetrics) GetActiveLinks() int64       { return atomic.LoadInt64(&m.activeLinks) }
