package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/logger"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk/metrics"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/ramdisk/internal/registry")

var (
	ErrNotFound      = errors.New("device not found")
	ErrAlreadyExists = errors.New("device already exists")
)

// Config describes the devices created by Setup. Every device gets the same geometry and mode.
type Config struct {
	Prefix string
	Count  int

	SectorSize int64
	Capacity   int64

	Mode           ramdisk.Mode
	HardwareQueues int
	QueueDepth     int

	Debug           bool
	InvalidateDelay time.Duration
}

func (c Config) device(index int) ramdisk.Config {
	return ramdisk.Config{
		Name:            DeviceName(c.Prefix, index),
		Index:           index,
		FirstMinor:      FirstMinor(index),
		SectorSize:      c.SectorSize,
		Capacity:        c.Capacity,
		Mode:            c.Mode,
		HardwareQueues:  c.HardwareQueues,
		QueueDepth:      c.QueueDepth,
		Debug:           c.Debug,
		InvalidateDelay: c.InvalidateDelay,
	}
}

type entry struct {
	device *ramdisk.Device

	mu     sync.Mutex
	detach func(ctx context.Context) error
}

// Registry owns every device of the process. Devices are looked up by name.
type Registry struct {
	logger  *zap.Logger
	metrics metrics.Metrics

	devices cmap.ConcurrentMap[string, *entry]

	// slots tracks which device indexes are taken.
	slots   *bitset.BitSet
	slotsMu sync.Mutex

	deviceCounter metric.Int64UpDownCounter
}

func New(logger *zap.Logger, meterProvider metric.MeterProvider) (*Registry, error) {
	m, err := metrics.NewMetrics(meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create device metrics: %w", err)
	}

	counter, err := telemetry.GetUpDownCounter(meterProvider.Meter("internal.registry"), telemetry.DevicesActiveMeterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get device counter: %w", err)
	}

	return &Registry{
		logger:        logger,
		metrics:       m,
		devices:       cmap.New[*entry](),
		slots:         bitset.New(0),
		deviceCounter: counter,
	}, nil
}

// Setup creates cfg.Count devices with indexes 0..Count-1. A device that fails to
// come up is rolled back on its own; the others stay registered and the failures
// are returned joined.
func (r *Registry) Setup(ctx context.Context, cfg Config) error {
	ctx, span := tracer.Start(ctx, "setup-devices", trace.WithAttributes(attribute.Int("count", cfg.Count)))
	defer span.End()

	if cfg.Count < 0 {
		return &ramdisk.InvalidConfigError{Field: "device count", Reason: fmt.Sprintf("%d is negative", cfg.Count)}
	}

	var errs []error
	for i := range cfg.Count {
		_, err := r.addAt(ctx, cfg.device(i))
		if err != nil {
			telemetry.ReportError(ctx, "device setup failed", err, attribute.String(logger.DeviceNameKey, DeviceName(cfg.Prefix, i)))

			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Add creates one more device in the lowest free index slot.
func (r *Registry) Add(ctx context.Context, cfg Config) (*ramdisk.Device, error) {
	ctx, span := tracer.Start(ctx, "add-device")
	defer span.End()

	r.slotsMu.Lock()
	index, ok := r.slots.NextClear(0)
	if !ok {
		index = r.slots.Len()
	}
	r.slots.Set(index)
	r.slotsMu.Unlock()

	return r.create(ctx, cfg.device(int(index)))
}

func (r *Registry) addAt(ctx context.Context, cfg ramdisk.Config) (*ramdisk.Device, error) {
	r.slotsMu.Lock()
	if r.slots.Test(uint(cfg.Index)) {
		r.slotsMu.Unlock()

		return nil, fmt.Errorf("%w: index %d", ErrAlreadyExists, cfg.Index)
	}
	r.slots.Set(uint(cfg.Index))
	r.slotsMu.Unlock()

	return r.create(ctx, cfg)
}

// create builds the device for an already reserved slot and frees the slot on failure.
func (r *Registry) create(ctx context.Context, cfg ramdisk.Config) (*ramdisk.Device, error) {
	device, err := ramdisk.New(cfg,
		ramdisk.WithLogger(r.logger),
		ramdisk.WithMetrics(r.metrics),
	)
	if err != nil {
		r.freeSlot(cfg.Index)

		return nil, fmt.Errorf("failed to create device %s: %w", cfg.Name, err)
	}

	if !r.devices.SetIfAbsent(cfg.Name, &entry{device: device}) {
		r.freeSlot(cfg.Index)

		return nil, errors.Join(fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.Name), device.Close(ctx))
	}

	r.deviceCounter.Add(ctx, 1)

	r.logger.Info("device added",
		zap.String(logger.DeviceNameKey, cfg.Name),
		zap.Int("first_minor", cfg.FirstMinor),
		zap.Int64("capacity", cfg.Capacity),
		zap.Int64("sector_size", cfg.SectorSize),
		zap.Stringer(logger.RequestModeKey, device.Mode()),
	)
	telemetry.ReportEvent(ctx, "device added", attribute.String(logger.DeviceNameKey, cfg.Name))

	return device, nil
}

func (r *Registry) freeSlot(index int) {
	r.slotsMu.Lock()
	r.slots.Clear(uint(index))
	r.slotsMu.Unlock()
}

func (r *Registry) Get(name string) (*ramdisk.Device, bool) {
	e, ok := r.devices.Get(name)
	if !ok {
		return nil, false
	}

	return e.device, true
}

// List returns the registered devices ordered by index.
func (r *Registry) List() []*ramdisk.Device {
	devices := make([]*ramdisk.Device, 0, r.devices.Count())
	for _, e := range r.devices.Items() {
		devices = append(devices, e.device)
	}

	slices.SortFunc(devices, func(a, b *ramdisk.Device) int {
		return a.Index() - b.Index()
	})

	return devices
}

// OnRemove registers detach to run before the device is released. Kernel
// attachments use it to disconnect before the store goes away.
func (r *Registry) OnRemove(name string, detach func(ctx context.Context) error) error {
	e, ok := r.devices.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.detach
	e.detach = func(ctx context.Context) error {
		err := detach(ctx)
		if previous != nil {
			err = errors.Join(err, previous(ctx))
		}

		return err
	}

	return nil
}

// Remove detaches the device from its request sources, releases its store and
// reports the removal.
func (r *Registry) Remove(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "remove-device", trace.WithAttributes(attribute.String(logger.DeviceNameKey, name)))
	defer span.End()

	e, ok := r.devices.Pop(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var errs []error

	e.mu.Lock()
	detach := e.detach
	e.mu.Unlock()

	if detach != nil {
		if err := detach(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to detach device %s: %w", name, err))
		}
	}

	if err := e.device.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	r.freeSlot(e.device.Index())
	r.deviceCounter.Add(ctx, -1)

	telemetry.ReportEvent(ctx, "device removed", attribute.String(logger.DeviceNameKey, name))

	return errors.Join(errs...)
}

// Close removes every device.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, device := range r.List() {
		if err := r.Remove(ctx, device.Name()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
