package ramdisk

import (
	"sync/atomic"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpFlush:
		return "FLUSH"
	case OpDiscard:
		return "DISCARD"
	default:
		return "UNKNOWN"
	}
}

// transferable reports whether the op moves data between a segment and the store.
// Everything else is rejected by dispatch before the transfer unit is reached.
func (o Op) transferable() bool {
	return o == OpRead || o == OpWrite
}

type Status uint8

const (
	StatusOK Status = iota
	StatusIOError
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}

	return "io_error"
}

// Segment is a borrowed span of caller memory. It must stay valid until the
// owning request is completed and is never retained afterwards.
type Segment struct {
	Buf []byte
}

func (s Segment) Len() int64 {
	return int64(len(s.Buf))
}

// AnyQueue lets a multi-queue device pick the hardware context.
const AnyQueue = -1

// Completion is the terminal status handed to the request source.
type Completion struct {
	Status Status
	Err    error
	// Transferred is the number of bytes copied before the request was completed.
	Transferred int64
	// Attempted is the byte length of the segment that faulted. Only clustering
	// dispatch fills it in.
	Attempted int64
}

func (c Completion) OK() bool {
	return c.Status == StatusOK
}

// Sectors converts a byte count to whole sectors of the given size.
func Sectors(bytes, sectorSize int64) uint64 {
	if sectorSize <= 0 || bytes <= 0 {
		return 0
	}

	return uint64(bytes / sectorSize)
}

type Request struct {
	Op       Op
	Sector   uint64
	Segments []Segment
	// Handle is opaque to the device and echoed back to the request source.
	Handle uint64
	// Queue selects the hardware context on multi-queue devices (modulo the number of contexts).
	Queue int

	OnComplete func(req *Request, c Completion)

	started atomic.Bool
	done    atomic.Bool
}

func NewRequest(op Op, sector uint64, segments []Segment, onComplete func(*Request, Completion)) *Request {
	return &Request{
		Op:         op,
		Sector:     sector,
		Segments:   segments,
		Queue:      AnyQueue,
		OnComplete: onComplete,
	}
}

// Bytes is the total payload length of the request.
func (r *Request) Bytes() int64 {
	var n int64
	for _, s := range r.Segments {
		n += s.Len()
	}

	return n
}

func (r *Request) Started() bool {
	return r.started.Load()
}

func (r *Request) Completed() bool {
	return r.done.Load()
}

func (r *Request) start() {
	r.started.Store(true)
}

// end delivers the completion exactly once. Later calls are ignored and report false.
func (r *Request) end(c Completion) bool {
	if !r.done.CompareAndSwap(false, true) {
		return false
	}

	if r.OnComplete != nil {
		r.OnComplete(r, c)
	}

	return true
}
