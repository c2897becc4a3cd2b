package ramdisk

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultHardwareQueues = 1
	defaultQueueDepth     = 2
)

// HardwareContext is one submission queue of a multi-queue device. Each context
// has its own worker and a fixed number of tags bounding its in-flight requests.
type HardwareContext struct {
	index  int
	queue  *RequestQueue
	tags   *semaphore.Weighted
	worker *worker
}

func (h *HardwareContext) Index() int {
	return h.index
}

// Pending is the number of requests waiting in the context's queue.
func (h *HardwareContext) Pending() int {
	return h.queue.Len()
}

type multiQueueStrategy struct {
	d        *Device
	contexts []*HardwareContext
	next     atomic.Uint64
}

func newMultiQueueStrategy(d *Device, hwQueues, queueDepth int) (*multiQueueStrategy, error) {
	if hwQueues < 0 {
		return nil, fmt.Errorf("invalid hardware queue count %d", hwQueues)
	}
	if queueDepth < 0 {
		return nil, fmt.Errorf("invalid queue depth %d", queueDepth)
	}

	if hwQueues == 0 {
		hwQueues = defaultHardwareQueues
	}
	if queueDepth == 0 {
		queueDepth = defaultQueueDepth
	}

	s := &multiQueueStrategy{
		d:        d,
		contexts: make([]*HardwareContext, hwQueues),
	}

	for i := range s.contexts {
		hctx := &HardwareContext{
			index: i,
			queue: NewRequestQueue(),
			tags:  semaphore.NewWeighted(int64(queueDepth)),
		}
		hctx.worker = startWorker(func() {
			s.drain(hctx)
		})

		s.contexts[i] = hctx
	}

	return s, nil
}

func (s *multiQueueStrategy) Mode() Mode {
	return ModeMultiQueue
}

func (s *multiQueueStrategy) Contexts() []*HardwareContext {
	return s.contexts
}

func (s *multiQueueStrategy) pick(req *Request) *HardwareContext {
	if req.Queue >= 0 {
		return s.contexts[req.Queue%len(s.contexts)]
	}

	return s.contexts[s.next.Add(1)%uint64(len(s.contexts))]
}

// submit blocks until the chosen context has a free tag or ctx is done.
// A request that never got a tag is not accepted and is never completed.
func (s *multiQueueStrategy) submit(ctx context.Context, req *Request) error {
	hctx := s.pick(req)

	err := hctx.tags.Acquire(ctx, 1)
	if err != nil {
		return fmt.Errorf("waiting for a tag on hardware queue %d: %w", hctx.Index(), err)
	}

	hctx.queue.Enqueue(req)
	hctx.worker.kick()

	return nil
}

func (s *multiQueueStrategy) drain(hctx *HardwareContext) {
	for req := hctx.queue.Fetch(); req != nil; req = hctx.queue.Fetch() {
		s.queueRq(req)
		hctx.tags.Release(1)
	}
}

// queueRq validates the op before the lock is taken, so a rejected request
// never touches the lock. Valid requests walk every segment under one hold and
// the last segment's outcome becomes the request's status.
func (s *multiQueueStrategy) queueRq(req *Request) {
	d := s.d
	sw := d.metrics.Begin(d.metrics.RequestDuration)

	req.start()

	if !req.Op.transferable() {
		d.reject(req, sw)

		return
	}

	c := Completion{Status: StatusOK}

	d.mu.Lock()
	for span := range Spans(req.Sector, req.Segments, d.sectorSize, WalkRequest) {
		err := d.transferAt(req.Op, span.Offset, span.Buf)
		if err != nil {
			c.Status = StatusIOError
			c.Err = err

			continue
		}

		c.Status = StatusOK
		c.Err = nil
		c.Transferred += span.Len()
	}
	d.mu.Unlock()

	d.finish(req, c, sw)
}

// close runs a final drain of every context, so requests still queued complete
// before the store is released.
func (s *multiQueueStrategy) close() {
	for _, hctx := range s.contexts {
		if pending := hctx.Pending(); pending > 0 {
			s.d.logger.Debug("draining hardware queue",
				zap.String("device", s.d.name),
				zap.Int("hw_queue", hctx.Index()),
				zap.Int("pending", pending),
			)
		}

		hctx.worker.stop()
	}
}
