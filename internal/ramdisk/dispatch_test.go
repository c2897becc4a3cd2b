package ramdisk

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

var allModes = []Mode{ModeSimple, ModeFull, ModeDirect, ModeMultiQueue}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestDispatch_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := newTestDevice(t, mode)
			ctx := context.Background()

			c := d.Do(ctx, NewRequest(OpWrite, 0, []Segment{{Buf: fill(512, 0xAB)}}, nil))
			require.True(t, c.OK(), c.Err)
			assert.Equal(t, int64(512), c.Transferred)

			out := make([]byte, 512)
			c = d.Do(ctx, NewRequest(OpRead, 0, []Segment{{Buf: out}}, nil))
			require.True(t, c.OK(), c.Err)
			assert.Equal(t, fill(512, 0xAB), out)
		})
	}
}

func TestDispatch_UnsupportedOpLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := newTestDevice(t, mode)

			for _, op := range []Op{OpFlush, OpDiscard, Op(42)} {
				req := NewRequest(op, 0, []Segment{{Buf: fill(512, 0xFF)}}, nil)

				c := d.Do(context.Background(), req)
				assert.Equal(t, StatusIOError, c.Status)
				require.ErrorIs(t, c.Err, ErrUnsupportedOperation)
				assert.Zero(t, c.Transferred)
				assert.True(t, req.Completed())
			}

			assert.Equal(t, make([]byte, testCapacity), d.store.Bytes())
		})
	}
}

func TestDispatch_BeyondEndFails(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeSimple, ModeFull, ModeMultiQueue} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := newTestDevice(t, mode)

			c := d.Do(context.Background(), NewRequest(OpWrite, 7, []Segment{{Buf: fill(1024, 0x11)}}, nil))
			assert.Equal(t, StatusIOError, c.Status)
			require.ErrorIs(t, c.Err, ErrOutOfBounds)
			assert.Equal(t, make([]byte, testCapacity), d.store.Bytes())
		})
	}
}

func TestDispatch_SectorOverflowNeverWraps(t *testing.T) {
	t.Parallel()

	// 1<<55+1 sectors of 512 bytes wraps to byte offset 512 in 64 bits.
	const sector = uint64(1)<<55 + 1

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := newTestDevice(t, mode)

			c := d.Do(context.Background(), NewRequest(OpWrite, sector, []Segment{{Buf: fill(512, 0xCD)}}, nil))
			if mode == ModeDirect {
				assert.True(t, c.OK())
			} else {
				assert.Equal(t, StatusIOError, c.Status)
				require.ErrorIs(t, c.Err, ErrOutOfBounds)
			}
			assert.Zero(t, c.Transferred)
			assert.Equal(t, make([]byte, testCapacity), d.store.Bytes())
		})
	}
}

func TestDispatch_SimpleMovesOnlyCurrentSegment(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeSimple)

	c := d.Do(context.Background(), NewRequest(OpWrite, 1, []Segment{
		{Buf: fill(512, 0x01)},
		{Buf: fill(512, 0x02)},
	}, nil))
	require.True(t, c.OK())
	assert.Equal(t, int64(512), c.Transferred)

	data := d.store.Bytes()
	assert.Equal(t, fill(512, 0x01), data[512:1024])
	assert.Equal(t, make([]byte, 512), data[1024:1536])
}

func TestDispatch_FullPartialSuccessBeforeFault(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeFull)

	// Segment 1 covers sector 6, segment 2 would reach past the end at sector 7.
	c := d.Do(context.Background(), NewRequest(OpWrite, 6, []Segment{
		{Buf: fill(512, 0x01)},
		{Buf: fill(1024, 0x02)},
		{Buf: fill(512, 0x03)},
	}, nil))

	assert.Equal(t, StatusIOError, c.Status)
	require.ErrorIs(t, c.Err, ErrOutOfBounds)
	assert.Equal(t, int64(512), c.Transferred)
	assert.Equal(t, int64(1024), c.Attempted)
	assert.Equal(t, uint64(2), Sectors(c.Attempted, testSectorSize))

	data := d.store.Bytes()
	assert.Equal(t, fill(512, 0x01), data[3072:3584])
	assert.Equal(t, make([]byte, 512), data[3584:4096])
}

func TestDispatch_FullReportsTotalTransferred(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeFull)

	c := d.Do(context.Background(), NewRequest(OpWrite, 0, []Segment{
		{Buf: fill(512, 0x01)},
		{Buf: nil},
		{Buf: fill(1024, 0x02)},
		{Buf: fill(512, 0x03)},
	}, nil))
	require.True(t, c.OK(), c.Err)
	assert.Equal(t, int64(2048), c.Transferred)
	assert.Equal(t, uint64(4), Sectors(c.Transferred, testSectorSize))
	assert.Zero(t, c.Attempted)

	data := d.store.Bytes()
	assert.Equal(t, fill(512, 0x01), data[0:512])
	assert.Equal(t, fill(1024, 0x02), data[512:1536])
	assert.Equal(t, fill(512, 0x03), data[1536:2048])
}

func TestDispatch_DirectAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeDirect)

	var called atomic.Int32
	req := NewRequest(OpWrite, 7, []Segment{
		{Buf: fill(512, 0x07)},
		{Buf: fill(512, 0x08)},
	}, func(*Request, Completion) {
		called.Add(1)
	})

	c := d.Do(context.Background(), req)
	assert.True(t, c.OK())
	assert.Equal(t, int64(512), c.Transferred)
	assert.Equal(t, int32(1), called.Load())

	assert.Equal(t, fill(512, 0x07), d.store.Bytes()[3584:4096])
}

func TestDispatch_DirectCompletesSynchronously(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeDirect)

	var done bool
	req := NewRequest(OpRead, 0, []Segment{{Buf: make([]byte, 512)}}, func(*Request, Completion) {
		done = true
	})

	require.NoError(t, d.Submit(context.Background(), req))
	assert.True(t, done)
}

func TestDispatch_MultiQueueWalksPastFault(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeMultiQueue)

	req := NewRequest(OpWrite, 5, []Segment{
		{Buf: fill(512, 0x01)},
		{Buf: fill(2048, 0x02)},
		{Buf: fill(512, 0x03)},
	}, nil)

	c := d.Do(context.Background(), req)
	assert.Equal(t, StatusIOError, c.Status)
	require.ErrorIs(t, c.Err, ErrOutOfBounds)
	assert.Equal(t, int64(512), c.Transferred)
	assert.True(t, req.Started())

	data := d.store.Bytes()
	assert.Equal(t, fill(512, 0x01), data[2560:3072])
	assert.Equal(t, make([]byte, 1024), data[3072:4096])
}

func TestDispatch_MultiQueueLastSegmentDecides(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeMultiQueue)

	// The trailing zero-length segment sits exactly at the end of the device.
	c := d.Do(context.Background(), NewRequest(OpWrite, 7, []Segment{
		{Buf: fill(512, 0x01)},
		{Buf: nil},
	}, nil))
	require.True(t, c.OK(), c.Err)
	assert.Equal(t, int64(512), c.Transferred)
}

func TestDispatch_MultiQueueRejectsWithoutLocking(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, ModeMultiQueue)

	d.mu.Lock()
	defer d.mu.Unlock()

	req := NewRequest(OpDiscard, 0, nil, nil)

	done := make(chan Completion, 1)
	go func() {
		done <- d.Do(context.Background(), req)
	}()

	select {
	case c := <-done:
		assert.Equal(t, StatusIOError, c.Status)
		assert.True(t, req.Started())
	case <-time.After(5 * time.Second):
		t.Fatal("rejected request waited for the device lock")
	}
}

func TestDispatch_MultiQueueTagsBoundInflight(t *testing.T) {
	t.Parallel()

	d, err := New(Config{
		Name:           "ramdiskq",
		SectorSize:     testSectorSize,
		Capacity:       testCapacity,
		Mode:           ModeMultiQueue,
		HardwareQueues: 1,
		QueueDepth:     1,
	})
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})

	blocking := NewRequest(OpRead, 0, []Segment{{Buf: make([]byte, 512)}}, func(*Request, Completion) {
		close(entered)
		<-release
	})
	require.NoError(t, d.Submit(context.Background(), blocking))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.Submit(ctx, NewRequest(OpRead, 0, []Segment{{Buf: make([]byte, 512)}}, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatch_MultiQueueHonoursQueueHint(t *testing.T) {
	t.Parallel()

	d, err := New(Config{
		Name:           "ramdiskh",
		SectorSize:     testSectorSize,
		Capacity:       testCapacity,
		Mode:           ModeMultiQueue,
		HardwareQueues: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close(context.Background()))
	})

	s, ok := d.Strategy().(*multiQueueStrategy)
	require.True(t, ok)
	require.Len(t, s.Contexts(), 4)

	req := NewRequest(OpRead, 0, nil, nil)
	req.Queue = 6
	assert.Equal(t, 2, s.pick(req).Index())
}

func TestDispatch_MultiQueueCloseDrainsPending(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)

	d, err := New(Config{
		Name:           "ramdiskp",
		SectorSize:     testSectorSize,
		Capacity:       testCapacity,
		Mode:           ModeMultiQueue,
		HardwareQueues: 2,
		QueueDepth:     4,
	}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})

	var (
		once      sync.Once
		completed atomic.Int32
	)
	onComplete := func(_ *Request, c Completion) {
		once.Do(func() {
			close(started)
			<-release
		})

		if c.OK() {
			completed.Add(1)
		}
	}

	for i := range 4 {
		req := NewRequest(OpWrite, uint64(i), []Segment{{Buf: fill(testSectorSize, 0x5A)}}, onComplete)
		req.Queue = 1
		require.NoError(t, d.Submit(context.Background(), req))

		if i == 0 {
			<-started
		}
	}

	s, ok := d.Strategy().(*multiQueueStrategy)
	require.True(t, ok)
	assert.Equal(t, 0, s.Contexts()[0].Pending())
	assert.Equal(t, 3, s.Contexts()[1].Pending())

	closed := make(chan error, 1)
	go func() {
		closed <- d.Close(context.Background())
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("draining hardware queue").Len() == 1
	}, 5*time.Second, time.Millisecond)

	entry := logs.FilterMessage("draining hardware queue").All()[0]
	assert.Equal(t, int64(1), entry.ContextMap()["hw_queue"])
	assert.Equal(t, int64(3), entry.ContextMap()["pending"])

	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, int32(4), completed.Load())
}

func TestDispatch_ConcurrentDisjointWriters(t *testing.T) {
	t.Parallel()

	const writers = 8
	const span = testCapacity / writers

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d, err := New(Config{
				Name:           "ramdiskc",
				SectorSize:     testSectorSize,
				Capacity:       testCapacity,
				Mode:           mode,
				HardwareQueues: 3,
				QueueDepth:     2,
			})
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, d.Close(context.Background()))
			})

			sectorsPerWriter := uint64(span / testSectorSize)

			var g errgroup.Group
			for i := range writers {
				g.Go(func() error {
					data := fill(span, byte(i+1))
					c := d.Do(context.Background(), NewRequest(OpWrite, uint64(i)*sectorsPerWriter, []Segment{{Buf: data}}, nil))
					if !c.OK() {
						return fmt.Errorf("writer %d: %w", i, c.Err)
					}

					return nil
				})
			}
			require.NoError(t, g.Wait())

			for i := range writers {
				out := make([]byte, span)
				c := d.Do(context.Background(), NewRequest(OpRead, uint64(i)*sectorsPerWriter, []Segment{{Buf: out}}, nil))
				require.True(t, c.OK(), c.Err)
				assert.Equal(t, fill(span, byte(i+1)), out, "writer %d", i)
			}
		})
	}
}

func TestDispatch_CompletesExactlyOnce(t *testing.T) {
	t.Parallel()

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := newTestDevice(t, mode)

			const requests = 64

			var mu sync.Mutex
			seen := make(map[*Request]int)

			var wg sync.WaitGroup
			wg.Add(requests)

			for i := range requests {
				req := NewRequest(OpRead, uint64(i%8), []Segment{{Buf: make([]byte, 512)}}, func(r *Request, _ Completion) {
					mu.Lock()
					seen[r]++
					mu.Unlock()
					wg.Done()
				})
				require.NoError(t, d.Submit(context.Background(), req))
			}

			wg.Wait()

			require.Len(t, seen, requests)
			for _, n := range seen {
				assert.Equal(t, 1, n)
			}
		})
	}
}

func TestRequest_EndOnce(t *testing.T) {
	t.Parallel()

	var calls int
	req := NewRequest(OpRead, 0, nil, func(*Request, Completion) {
		calls++
	})

	assert.True(t, req.end(Completion{}))
	assert.False(t, req.end(Completion{Status: StatusIOError}))
	assert.Equal(t, 1, calls)
	assert.True(t, req.Completed())
}

func TestDispatch_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d, err := New(Config{Name: "ramdiskz", SectorSize: testSectorSize, Capacity: testCapacity, Mode: mode})
			require.NoError(t, err)
			require.NoError(t, d.Close(context.Background()))

			err = d.Submit(context.Background(), NewRequest(OpRead, 0, nil, nil))
			require.ErrorIs(t, err, ErrDeviceClosed)

			c := d.Do(context.Background(), NewRequest(OpRead, 0, nil, nil))
			require.ErrorIs(t, c.Err, ErrDeviceClosed)
		})
	}
}

func TestDispatch_CloseCompletesQueuedRequests(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeSimple, ModeFull, ModeMultiQueue} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d, err := New(Config{Name: "ramdiskw", SectorSize: testSectorSize, Capacity: testCapacity, Mode: mode, QueueDepth: 64})
			require.NoError(t, err)

			var completed atomic.Int32
			for range 32 {
				req := NewRequest(OpWrite, 0, []Segment{{Buf: fill(512, 0x01)}}, func(*Request, Completion) {
					completed.Add(1)
				})
				require.NoError(t, d.Submit(context.Background(), req))
			}

			require.NoError(t, d.Close(context.Background()))
			assert.Equal(t, int32(32), completed.Load())
		})
	}
}
