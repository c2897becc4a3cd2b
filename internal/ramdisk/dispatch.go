package ramdisk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk/metrics"
)

// Mode picks the dispatch strategy of a device. It is fixed when the device is created.
type Mode uint8

const (
	ModeSimple Mode = iota
	ModeFull
	ModeDirect
	ModeMultiQueue
)

func (m Mode) String() string {
	switch m {
	case ModeSimple:
		return "simple"
	case ModeFull:
		return "full"
	case ModeDirect:
		return "direct"
	case ModeMultiQueue:
		return "mq"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

func (m Mode) valid() bool {
	return m <= ModeMultiQueue
}

// ParseMode accepts the mode names and their numeric request_mode values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple", "0":
		return ModeSimple, nil
	case "full", "clustering", "1":
		return ModeFull, nil
	case "direct", "noqueue", "2":
		return ModeDirect, nil
	case "mq", "multiqueue", "3":
		return ModeMultiQueue, nil
	default:
		return 0, fmt.Errorf("unknown request mode %q", s)
	}
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}

	*m = parsed

	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Strategy pulls requests from a request source and drives them through the transfer unit.
// The set of strategies is closed; devices pick one in New.
type Strategy interface {
	Mode() Mode
	submit(ctx context.Context, req *Request) error
	close()
}

func newStrategy(d *Device, mode Mode, hwQueues, queueDepth int) (Strategy, error) {
	switch mode {
	case ModeFull:
		return newFullStrategy(d), nil
	case ModeDirect:
		return newDirectStrategy(d), nil
	case ModeMultiQueue:
		return newMultiQueueStrategy(d, hwQueues, queueDepth)
	case ModeSimple:
		return newSimpleStrategy(d), nil
	default:
		d.logger.Warn("bad request mode, using simple", zap.String("device", d.name), zap.Stringer("mode", mode))

		return newSimpleStrategy(d), nil
	}
}

// reject terminates a request whose op moves no data without touching the store.
func (d *Device) reject(req *Request, sw metrics.Stopwatch) {
	d.logger.Info("skip non-fs request", zap.String("device", d.name), zap.Stringer("op", req.Op))

	d.finish(req, Completion{Status: StatusIOError, Err: fmt.Errorf("%w: %s", ErrUnsupportedOperation, req.Op)}, sw)
}

func (d *Device) finish(req *Request, c Completion, sw metrics.Stopwatch) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("device", d.name),
		metrics.KV("mode", d.mode.String()),
		metrics.KV("op", req.Op.String()),
		metrics.KV("status", c.Status.String()),
	}

	sw.End(ctx, attrs...)
	if c.Transferred > 0 {
		d.metrics.TransferredBytes.Add(ctx, c.Transferred, metric.WithAttributes(attrs...))
	}
	if !c.OK() {
		d.metrics.FailedRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	req.end(c)
}
