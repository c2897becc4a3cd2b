package ramdisk

import (
	"context"
)

// simpleStrategy fetches one request at a time and moves only its current segment.
// A multi-segment request is completed after its first segment.
type simpleStrategy struct {
	d      *Device
	queue  *RequestQueue
	worker *worker
}

func newSimpleStrategy(d *Device) *simpleStrategy {
	s := &simpleStrategy{
		d:     d,
		queue: NewRequestQueue(),
	}
	s.worker = startWorker(s.drain)

	return s
}

func (s *simpleStrategy) Mode() Mode {
	return ModeSimple
}

func (s *simpleStrategy) submit(_ context.Context, req *Request) error {
	s.queue.Enqueue(req)
	s.worker.kick()

	return nil
}

func (s *simpleStrategy) drain() {
	for req := s.queue.Fetch(); req != nil; req = s.queue.Fetch() {
		s.dispatch(req)
	}
}

func (s *simpleStrategy) dispatch(req *Request) {
	d := s.d
	sw := d.metrics.Begin(d.metrics.RequestDuration)

	if !req.Op.transferable() {
		d.reject(req, sw)

		return
	}

	c := Completion{Status: StatusOK}

	for span := range Spans(req.Sector, req.Segments, d.sectorSize, WalkCurrent) {
		d.mu.Lock()
		err := d.transferAt(req.Op, span.Offset, span.Buf)
		d.mu.Unlock()

		if err != nil {
			c.Status = StatusIOError
			c.Err = err

			break
		}

		c.Transferred += span.Len()
	}

	d.finish(req, c, sw)
}

func (s *simpleStrategy) close() {
	s.worker.stop()
}
