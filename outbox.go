package chatclient

// outbox buffers frames that could not be sent while the connection was not
// ready. Frames are already marshaled when enqueued so a serialization fault
// surfaces at the call site, never during a flush.
//
// The queue is bounded: when full, the oldest frame is dropped to make room
// and the drop is reported so the socket can surface it to status
// subscribers. The source this design derives from had no bound, which made
// unbounded growth during a long disconnection possible.
type outbox struct {
	limit  int
	frames [][]byte
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

// push appends a frame, dropping the oldest entry when the queue is full.
// Reports whether a frame was dropped.
func (q *outbox) push(frame []byte) bool {
	dropped := false
	if q.limit > 0 && len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

// pushFront requeues a frame at the head, used when a send attempt failed
// after dequeue so FIFO order is preserved across the reconnect.
func (q *outbox) pushFront(frame []byte) {
	q.frames = append([][]byte{frame}, q.frames...)
}

// pop removes and returns the oldest frame.
func (q *outbox) pop() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *outbox) len() int { return len(q.frames) }

func (q *outbox) clear() { q.frames = nil }
