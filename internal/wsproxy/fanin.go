package wsproxy

import "sync"

// outboundFrame is one frame queued for delivery to the client.
type outboundFrame struct {
	messageType int
	data        []byte
}

// fanin is the unbounded single-writer queue that both directional
// flows enqueue onto; a dedicated sender goroutine drains it so there
// is exactly one writer to the client socket and frames are delivered
// in strict enqueue order regardless of which flow produced them.
type fanin struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outboundFrame
	closed bool
}

func newFanin() *fanin {
	f := &fanin{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// push enqueues a frame. It is a no-op once close has been called.
func (f *fanin) push(messageType int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queue = append(f.queue, outboundFrame{messageType, data})
	f.cond.Signal()
}

// close unblocks any pending drain and prevents further pushes.
func (f *fanin) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Signal()
}

// drain blocks until at least one frame is queued, then returns the
// whole queue. It reports ok=false once the queue is closed and empty.
func (f *fanin) drain() ([]outboundFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.queue) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.queue) == 0 {
		return nil, false
	}
	q := f.queue
	f.queue = nil
	return q, true
}
