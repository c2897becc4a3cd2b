package ramdisk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk/metrics"
)

// KernelSectorSize is the unit sector sizes must be a multiple of.
const KernelSectorSize = 512

type Config struct {
	Name string
	// Index is the ordinal of the device within its registry.
	Index      int
	FirstMinor int

	SectorSize int64
	Capacity   int64

	Mode           Mode
	HardwareQueues int
	QueueDepth     int

	Debug bool
	// InvalidateDelay is how long after the last release a media change is simulated.
	// Zero disables the simulation.
	InvalidateDelay time.Duration
}

func (c Config) validate() error {
	if c.SectorSize <= 0 || c.SectorSize%KernelSectorSize != 0 {
		return &InvalidConfigError{Field: "sector size", Reason: fmt.Sprintf("%d is not a positive multiple of %d", c.SectorSize, KernelSectorSize)}
	}

	if c.Capacity < c.SectorSize {
		return &InvalidConfigError{Field: "capacity", Reason: fmt.Sprintf("%d is smaller than one sector", c.Capacity)}
	}

	if c.Capacity > math.MaxInt {
		return &InvalidConfigError{Field: "capacity", Reason: fmt.Sprintf("%d does not fit in memory", c.Capacity)}
	}

	return nil
}

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	allocate func(size int64) (*Store, error)
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = &m
	}
}

func withAllocator(allocate func(size int64) (*Store, error)) Option {
	return func(o *options) {
		o.allocate = allocate
	}
}

// Device is a block device whose medium is a Store.
// All store access from queued strategies is serialised by one mutex.
type Device struct {
	name       string
	index      int
	firstMinor int
	sectorSize int64
	capacity   int64
	mode       Mode
	debug      bool

	store    *Store
	mu       sync.Mutex
	strategy Strategy

	logger  *zap.Logger
	metrics metrics.Metrics

	lifecycleMu sync.RWMutex
	closed      bool

	stateMu         sync.Mutex
	users           int
	mediaChange     bool
	invalidateDelay time.Duration
	invalidateTimer *time.Timer
	invalidateGen   uint64
}

// New allocates the store and starts the dispatch strategy. When the strategy
// cannot be set up the store is released before returning.
func New(cfg Config, opts ...Option) (*Device, error) {
	o := options{
		logger:   zap.L(),
		allocate: NewStore,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := metrics.NewNoopMetrics()
	if o.metrics != nil {
		m = *o.metrics
	}

	store, err := o.allocate(cfg.Capacity)
	if err != nil {
		return nil, &AllocationError{Device: cfg.Name, Err: err}
	}

	d := &Device{
		name:            cfg.Name,
		index:           cfg.Index,
		firstMinor:      cfg.FirstMinor,
		sectorSize:      cfg.SectorSize,
		capacity:        cfg.Capacity,
		mode:            cfg.Mode,
		debug:           cfg.Debug,
		store:           store,
		logger:          o.logger,
		metrics:         m,
		invalidateDelay: cfg.InvalidateDelay,
	}

	strategy, err := newStrategy(d, cfg.Mode, cfg.HardwareQueues, cfg.QueueDepth)
	if err != nil {
		releaseErr := store.Release()

		return nil, errors.Join(&AllocationError{Device: cfg.Name, Err: err}, releaseErr)
	}

	d.strategy = strategy
	d.mode = strategy.Mode()

	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Index() int {
	return d.index
}

func (d *Device) FirstMinor() int {
	return d.firstMinor
}

func (d *Device) SectorSize() int64 {
	return d.sectorSize
}

// Capacity is the size of the device in bytes.
func (d *Device) Capacity() int64 {
	return d.capacity
}

func (d *Device) Mode() Mode {
	return d.mode
}

func (d *Device) Strategy() Strategy {
	return d.strategy
}

// HardwareQueues is the number of hardware contexts in multi-queue mode and 1 otherwise.
func (d *Device) HardwareQueues() int {
	if mq, ok := d.strategy.(*multiQueueStrategy); ok {
		return len(mq.Contexts())
	}

	return 1
}

// Submit hands a request to the device. Once Submit returns nil the request's
// completion callback is invoked exactly once; when it returns an error the
// request was not accepted and the callback is never invoked.
// Completion callbacks must not call Submit synchronously.
func (d *Device) Submit(ctx context.Context, req *Request) error {
	d.lifecycleMu.RLock()
	defer d.lifecycleMu.RUnlock()

	if d.closed {
		return ErrDeviceClosed
	}

	return d.strategy.submit(ctx, req)
}

// Do submits the request and waits for its completion. Once accepted a request
// runs to completion regardless of ctx.
func (d *Device) Do(ctx context.Context, req *Request) Completion {
	done := make(chan Completion, 1)

	callback := req.OnComplete
	req.OnComplete = func(r *Request, c Completion) {
		if callback != nil {
			callback(r, c)
		}

		done <- c
	}

	err := d.Submit(ctx, req)
	if err != nil {
		return Completion{Status: StatusIOError, Err: err}
	}

	return <-done
}

// Close detaches the device from its request source, waits for accepted
// requests to complete and releases the store.
func (d *Device) Close(_ context.Context) error {
	d.lifecycleMu.Lock()
	if d.closed {
		d.lifecycleMu.Unlock()

		return nil
	}
	d.closed = true
	d.lifecycleMu.Unlock()

	d.strategy.close()

	d.stateMu.Lock()
	if d.invalidateTimer != nil {
		d.invalidateTimer.Stop()
		d.invalidateTimer = nil
	}
	d.stateMu.Unlock()

	err := d.store.Release()
	if err != nil {
		return fmt.Errorf("error releasing device %s: %w", d.name, err)
	}

	d.logger.Info("device removed", zap.String("device", d.name))

	return nil
}
