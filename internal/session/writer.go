package session

import (
	"net"
	"sync"
	"time"
)

// writer owns all writes to a connection so the control loop never blocks on a
// slow peer. Frames are written in the order they were queued.
type writer struct {
	conn         net.Conn
	writeTimeout time.Duration
	flushTimeout time.Duration
	onError      func(error) // called from the writer goroutine

	mu      sync.Mutex
	queue   [][]byte
	closing bool
	wake    chan struct{}
}

func newWriter(conn net.Conn, writeTimeout time.Duration, onError func(error)) *writer {
	return &writer{
		conn:         conn,
		writeTimeout: writeTimeout,
		flushTimeout: 2 * time.Second,
		onError:      onError,
		wake:         make(chan struct{}, 1),
	}
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) enqueue(frame []byte) bool {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, frame)
	w.mu.Unlock()
	w.signal()
	return true
}

// closeAfterFlush writes what is queued, then closes the connection
func (w *writer) closeAfterFlush() {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()
	w.signal()
}

func (w *writer) run() {
	defer w.conn.Close()
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closing := w.closing
		w.mu.Unlock()

		timeout := w.writeTimeout
		if closing {
			timeout = w.flushTimeout
		}
		for _, frame := range batch {
			w.conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := w.conn.Write(frame); err != nil {
				if !closing {
					w.onError(err)
				}
				return
			}
		}

		if len(batch) == 0 {
			if closing {
				return
			}
			<-w.wake
		}
	}
}
