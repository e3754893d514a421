package pronet

import (
	"bytes"
	"hash/fnv"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// realtimeNice is the most aggressive priority NewReactor requests for its
// worker pool when WithRealtimePriority is set. Real SCHED_FIFO/SCHED_RR
// scheduling needs CAP_SYS_NICE that most deployments don't grant, so this
// is the nice-value approximation Setpriority can actually attempt.
const realtimeNice = -20

// applyWorkerPriority requests realtimeNice for the process and, if the OS
// refuses (EPERM without CAP_SYS_NICE being the common case), downgrades to
// the default priority and retries once before giving up — spec.md §4.1's
// "thread creation may downgrade a requested real-time priority to default
// and retry once before failing," mapped onto Setpriority since Go doesn't
// expose per-goroutine OS thread creation.
func applyWorkerPriority(requested bool, logger SLogger) {
	if !requested {
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, realtimeNice); err != nil {
		if err2 := unix.Setpriority(unix.PRIO_PROCESS, 0, 0); err2 != nil {
			logger.Warn("reactor: failed to set worker priority after downgrade retry", "err", err2)
			return
		}
		logger.Warn("reactor: real-time worker priority denied, downgraded to default", "err", err)
	}
}

// goroutineID extracts the numeric id runtime.Stack prints at the head of
// a goroutine's trace. Used only to detect a Reactor.Stop call made from
// inside one of the Reactor's own worker goroutines, which would
// otherwise deadlock waiting for that worker to drain.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Handler is the fabric-level upcall surface a Reactor drives: one new
// Session per accepted (or dialed) connection.
type Handler interface {
	OnAccept(s *Session)
}

// job is a unit of work dispatched onto a reactor worker. A Session
// submits its heartbeat sends as jobs to the worker it was bound to at
// creation; OnFrame and OnClose run on the Transport's own recv/send
// goroutines, not as jobs.
type job struct {
	fn func()
}

// worker pulls jobs off its own queue, blocking on the channel while it is
// empty. Its AdaptivePoll is reset after each job but never slept on, so
// the worker does no idle-spin backoff.
type worker struct {
	queue chan job
	poll  *AdaptivePoll
	die   chan struct{}
}

func newWorker(queueSize int, pollMin, pollMax time.Duration) *worker {
	return &worker{
		queue: make(chan job, queueSize),
		poll:  NewAdaptivePoll(pollMin, pollMax),
		die:   make(chan struct{}),
	}
}

func (w *worker) run(goroutineRegistry *sync.Map) {
	goroutineRegistry.Store(goroutineID(), w)
	for {
		select {
		case <-w.die:
			return
		case j := <-w.queue:
			j.fn()
			w.poll.Reset()
		}
	}
}

func (w *worker) submit(fn func()) bool {
	select {
	case w.queue <- job{fn: fn}:
		return true
	case <-w.die:
		return false
	}
}

func (w *worker) stop() {
	select {
	case <-w.die:
	default:
		close(w.die)
	}
}

// Reactor is the event demultiplexer + worker pool + timer wheel that
// binds acceptors to Sessions. One Reactor typically backs one process
// (a root message server, a C2S relay, or a client).
type Reactor struct {
	cfg     *Config
	workers []*worker
	timers  *TimerWheel

	listeners []net.Listener
	handler   Handler

	stopped atomic.Bool
	wg      sync.WaitGroup

	// workerGoroutines maps a worker goroutine's id to its *worker, so
	// Stop can tell it's being called from inside one of its own workers.
	workerGoroutines sync.Map
}

// NewReactor builds a Reactor with cfg.workerCount workers (runtime.
// GOMAXPROCS(0) if unset) and starts its timer wheel immediately.
func NewReactor(cfg *Config, handler Handler) *Reactor {
	n := cfg.workerCount
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	applyWorkerPriority(cfg.realtimePriority, cfg.logger)
	r := &Reactor{
		cfg:     cfg,
		workers: make([]*worker, n),
		timers:  NewTimerWheel(cfg.heartbeatInterval),
		handler: handler,
	}
	for i := range r.workers {
		r.workers[i] = newWorker(1024, cfg.workerPollMin, cfg.workerPollMax)
		r.wg.Add(1)
		go func(w *worker) {
			defer r.wg.Done()
			w.run(&r.workerGoroutines)
		}(r.workers[i])
	}
	return r
}

// Bind starts accepting connections from l, dispatching each to a Session
// bound to the worker its remote address hashes to (see pickWorker); worker
// load is not considered. Call once per listener.
func (r *Reactor) Bind(l net.Listener) {
	r.listeners = append(r.listeners, l)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop(l)
	}()
}

func (r *Reactor) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if r.stopped.Load() {
				return
			}
			continue
		}
		s := r.newBoundSession(conn)
		r.handler.OnAccept(s)
		s.BeginServer()
	}
}

// AdoptDialed brings an externally-dialed conn (the initiator side of a
// Dial) under reactor management and starts the client mirror of the
// handshake as localUser, authenticating with password.
func (r *Reactor) AdoptDialed(conn net.Conn, localUser MsgUser, password string) *Session {
	s := r.newBoundSession(conn)
	r.handler.OnAccept(s)
	s.BeginClient(localUser, password)
	return s
}

func (r *Reactor) newBoundSession(conn net.Conn) *Session {
	w := r.pickWorker(conn.RemoteAddr())
	return newSession(conn, r.cfg, w, r.timers, r)
}

// pickWorker hashes the remote address onto a worker so repeated
// connections from the same peer (e.g. a reconnecting C2S downstream)
// tend to land on the same worker, improving cache locality without a
// central dispatch bottleneck.
func (r *Reactor) pickWorker(addr net.Addr) *worker {
	if len(r.workers) == 1 {
		return r.workers[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.String()))
	return r.workers[h.Sum32()%uint32(len(r.workers))]
}

// UpdateHeartbeatInterval reconfigures the reactor's timer wheel live,
// without restarting it — used by cmd/msgserver's SIGHUP config reload to
// apply a changed heartbeat interval without dropping links.
func (r *Reactor) UpdateHeartbeatInterval(d time.Duration) {
	r.cfg.heartbeatInterval = d
	r.timers.UpdateStep(d)
}

// submit dispatches fn onto w, the worker a Session was bound to, counting
// a drop if w has stopped.
func (r *Reactor) submit(w *worker, fn func()) {
	if !w.submit(fn) {
		r.cfg.metrics.IncrementDrops()
	}
}

// Stop halts every acceptor, worker, and the timer wheel. Calling Stop
// from within a worker goroutine (i.e. from inside a Handler callback)
// deadlocks waiting for that same worker to drain, so it returns
// ErrReactorSelfStop instead.
func (r *Reactor) Stop() error {
	if _, onWorker := r.workerGoroutines.Load(goroutineID()); onWorker {
		return ErrReactorSelfStop
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return ErrReactorStopped
	}
	for _, l := range r.listeners {
		_ = l.Close()
	}
	for _, w := range r.workers {
		w.stop()
	}
	r.timers.Stop()
	r.wg.Wait()
	return nil
}
