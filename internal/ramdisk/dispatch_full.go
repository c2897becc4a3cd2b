package ramdisk

import (
	"context"
)

// fullStrategy peeks at the head of the queue and moves every segment of the
// request before completing it, reporting the bytes moved as one transfer.
type fullStrategy struct {
	d      *Device
	queue  *RequestQueue
	worker *worker
}

func newFullStrategy(d *Device) *fullStrategy {
	s := &fullStrategy{
		d:     d,
		queue: NewRequestQueue(),
	}
	s.worker = startWorker(s.drain)

	return s
}

func (s *fullStrategy) Mode() Mode {
	return ModeFull
}

func (s *fullStrategy) submit(_ context.Context, req *Request) error {
	s.queue.Enqueue(req)
	s.worker.kick()

	return nil
}

func (s *fullStrategy) drain() {
	for req := s.queue.Peek(); req != nil; req = s.queue.Peek() {
		s.dispatch(req)
		s.queue.Remove(req)
	}
}

func (s *fullStrategy) dispatch(req *Request) {
	d := s.d
	sw := d.metrics.Begin(d.metrics.RequestDuration)

	if !req.Op.transferable() {
		d.reject(req, sw)

		return
	}

	c := d.transferRequest(req)

	d.finish(req, c, sw)
}

// transferRequest walks all segments under a single lock hold and stops at the
// first segment that faults. Bytes before the fault stay written.
func (d *Device) transferRequest(req *Request) Completion {
	c := Completion{Status: StatusOK}

	d.mu.Lock()
	defer d.mu.Unlock()

	for span := range Spans(req.Sector, req.Segments, d.sectorSize, WalkRequest) {
		err := d.transferAt(req.Op, span.Offset, span.Buf)
		if err != nil {
			c.Status = StatusIOError
			c.Err = err
			c.Attempted = span.Len()

			return c
		}

		c.Transferred += span.Len()
	}

	return c
}

func (s *fullStrategy) close() {
	s.worker.stop()
}
