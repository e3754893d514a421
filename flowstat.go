package pronet

import (
	"sync"
	"time"
)

// DefaultFlowStatSpan is the sampling window FlowStat averages over when
// none is set via SetTimeSpan.
const DefaultFlowStatSpan = 1 * time.Second

// FlowStat tracks a per-link frame-rate/bit-rate estimate over a sliding
// time window, ported from rtp_flow_stat.h's CRtpFlowStat: frames/bytes
// accumulate until timeSpan elapses, at which point the rate is recomputed
// from the accumulated total and the window resets. One FlowStat is cheap
// enough to keep per-Session; SPEC_FULL.md's per-link flow sampling
// supplement wires this into transport.go's send/recv hot paths rather than
// only aggregating at the server level.
type FlowStat struct {
	mu       sync.Mutex
	timeSpan time.Duration
	start    time.Time

	inFrames, inBytes   int64
	outFrames, outBytes int64

	inFrameRate, inByteRate   float64
	outFrameRate, outByteRate float64
}

// NewFlowStat builds a FlowStat sampling at DefaultFlowStatSpan.
func NewFlowStat() *FlowStat {
	return &FlowStat{timeSpan: DefaultFlowStatSpan, start: time.Now()}
}

// SetTimeSpan changes the averaging window. Takes effect from the next
// PushData/PopData call.
func (f *FlowStat) SetTimeSpan(span time.Duration) {
	if span <= 0 {
		return
	}
	f.mu.Lock()
	f.timeSpan = span
	f.mu.Unlock()
}

// PushData records frames/bytes received (inbound).
func (f *FlowStat) PushData(frames, bytes int64) {
	f.mu.Lock()
	f.inFrames += frames
	f.inBytes += bytes
	f.update()
	f.mu.Unlock()
}

// PopData records frames/bytes sent (outbound). Named to mirror the
// original's Push/Pop pair (data pushed in on receive, popped out on send).
func (f *FlowStat) PopData(frames, bytes int64) {
	f.mu.Lock()
	f.outFrames += frames
	f.outBytes += bytes
	f.update()
	f.mu.Unlock()
}

// update recomputes rates and resets the accumulators once timeSpan has
// elapsed since the window opened. Caller holds f.mu.
func (f *FlowStat) update() {
	elapsed := time.Since(f.start)
	if elapsed < f.timeSpan {
		return
	}
	secs := elapsed.Seconds()
	f.inFrameRate = float64(f.inFrames) / secs
	f.inByteRate = float64(f.inBytes) / secs
	f.outFrameRate = float64(f.outFrames) / secs
	f.outByteRate = float64(f.outBytes) / secs

	f.inFrames, f.inBytes = 0, 0
	f.outFrames, f.outBytes = 0, 0
	f.start = time.Now()
}

// FlowInfo is a point-in-time snapshot of a FlowStat's last-computed rates.
type FlowInfo struct {
	InFrameRate  float64
	InByteRate   float64
	OutFrameRate float64
	OutByteRate  float64
}

// CalcInfo returns the most recently computed rates (as of the last window
// rollover); it never blocks on a fresh sample.
func (f *FlowStat) CalcInfo() FlowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FlowInfo{
		InFrameRate:  f.inFrameRate,
		InByteRate:   f.inByteRate,
		OutFrameRate: f.outFrameRate,
		OutByteRate:  f.outByteRate,
	}
}

// Reset zeroes every accumulator and rate and reopens the window now.
func (f *FlowStat) Reset() {
	f.mu.Lock()
	f.inFrames, f.inBytes = 0, 0
	f.outFrames, f.outBytes = 0, 0
	f.inFrameRate, f.inByteRate = 0, 0
	f.outFrameRate, f.outByteRate = 0, 0
	f.start = time.Now()
	f.mu.Unlock()
}
