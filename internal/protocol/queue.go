package protocol

import "sync"

const levels = 4

// Queue holds outgoing frames in four FIFO levels, one per prefix, and hands
// them out in priority order. Once a STOP is pushed every other pending frame
// is discarded and later pushes are dropped: STOP is always the last frame a
// queue yields.
//
// Queue is safe for concurrent use. Notify fires whenever a frame is pushed,
// so a multiplexer can select on it next to its payload source.
type Queue struct {
	mu      sync.Mutex
	pending [levels][][]byte
	size    int
	stopped bool
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push enqueues an encoded message. It returns false if the message was
// dropped because it is malformed or the queue already holds a STOP.
func (q *Queue) Push(msg []byte) bool {
	if len(msg) == 0 || !Prefix(msg[0]).Valid() {
		return false
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}

	if IsStop(msg) {
		for i := range q.pending {
			q.pending[i] = nil
		}
		q.stopped = true
		q.pending[0] = [][]byte{msg}
		q.size = 1
	} else {
		r := rank(Prefix(msg[0]))
		q.pending[r] = append(q.pending[r], msg)
		q.size++
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the highest-priority pending message.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.pending {
		if len(q.pending[i]) == 0 {
			continue
		}
		msg := q.pending[i][0]
		q.pending[i][0] = nil
		q.pending[i] = q.pending[i][1:]
		q.size--
		return msg, true
	}
	return nil, false
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stopped reports whether a STOP has been pushed.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Notify returns a channel that receives a value after pushes. A single
// notification may cover several pushes, so consumers drain with Pop until
// it reports false.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
