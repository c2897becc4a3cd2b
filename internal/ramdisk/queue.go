package ramdisk

import (
	"container/list"
	"sync"
)

// RequestQueue is the FIFO a request source fills and a dispatch strategy drains.
type RequestQueue struct {
	mu    sync.Mutex
	items *list.List
	index map[*Request]*list.Element
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		items: list.New(),
		index: make(map[*Request]*list.Element),
	}
}

func (q *RequestQueue) Enqueue(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.index[req] = q.items.PushBack(req)
}

// Fetch removes and returns the head of the queue, or nil when it is empty.
func (q *RequestQueue) Fetch() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.items.Front()
	if e == nil {
		return nil
	}

	req := q.items.Remove(e).(*Request)
	delete(q.index, req)

	return req
}

// Peek returns the head of the queue without removing it, or nil when it is empty.
func (q *RequestQueue) Peek() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.items.Front()
	if e == nil {
		return nil
	}

	return e.Value.(*Request)
}

// Remove drops a request that was peeked earlier. It reports whether the request was queued.
func (q *RequestQueue) Remove(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[req]
	if !ok {
		return false
	}

	q.items.Remove(e)
	delete(q.index, req)

	return true
}

func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}
