package backend

import (
	"sync"
	"time"

	"github.com/DragonSecurity/cdprelay/pkg/util"
)

// drainTimeout bounds how long a detached client may take to receive the
// frames queued for it before its connection is cut.
const drainTimeout = 2 * time.Second

// clientWriter delivers frames to one client in order on its own goroutine,
// so a slow client never holds the page lock.
type clientWriter struct {
	conn ClientConn
	log  *util.Logger

	mu      sync.Mutex
	queue   [][]byte
	pending int
	closed  bool
	timer   *time.Timer

	wake   chan struct{}
	exited chan struct{}
}

func newClientWriter(conn ClientConn, log *util.Logger) *clientWriter {
	w := &clientWriter{
		conn:   conn,
		log:    log,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go w.run()
	return w
}

// push queues data. It reports false once the writer is closed.
func (w *clientWriter) push(data []byte) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, data)
	w.pending++
	w.mu.Unlock()
	w.signal()
	return true
}

func (w *clientWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// close stops accepting frames. The client is terminated once the queue is
// written, or after drainTimeout if it does not keep up.
func (w *clientWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.timer = time.AfterFunc(drainTimeout, func() { _ = w.conn.Terminate() })
	w.mu.Unlock()
	w.signal()
}

func (w *clientWriter) run() {
	defer close(w.exited)
	for {
		w.mu.Lock()
		batch, closed := w.queue, w.closed
		w.queue = nil
		w.mu.Unlock()

		for _, data := range batch {
			w.write(data)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			w.mu.Lock()
			w.timer.Stop()
			w.mu.Unlock()
			_ = w.conn.Terminate()
			return
		}
		<-w.wake
	}
}

func (w *clientWriter) write(data []byte) {
	defer func() {
		w.mu.Lock()
		w.pending--
		w.mu.Unlock()
	}()
	if !w.conn.IsOpen() {
		metricMessages.WithLabelValues(outcomeDropped).Inc()
		return
	}
	if err := w.conn.Send(data); err != nil {
		w.log.Debugf("write to client: %v", err)
		metricMessages.WithLabelValues(outcomeDropped).Inc()
		return
	}
	metricMessages.WithLabelValues(outcomeSent).Inc()
}
