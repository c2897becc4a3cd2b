//go:build linux

package nbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/Merovius/nbd/nbdnl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/logger"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/telemetry"
)

const (
	connectTimeout    = 30 * time.Second
	disconnectTimeout = 30 * time.Second
)

// KernelMount connects a device to a /dev/nbdX node. Each hardware queue of the
// device gets its own socket pair and dispatcher.
type KernelMount struct {
	cancelfn   context.CancelFunc
	devicePool *DevicePool
	logger     *zap.Logger

	device      *ramdisk.Device
	deviceIndex uint32

	dispatchers []*Dispatch
	socksClient []*os.File
	socksServer []io.Closer

	handlersWg sync.WaitGroup
}

func NewKernelMount(device *ramdisk.Device, devicePool *DevicePool, l *zap.Logger) *KernelMount {
	return &KernelMount{
		device:      device,
		devicePool:  devicePool,
		logger:      l.With(logger.WithDevice(device.Name(), device.Index())...),
		deviceIndex: math.MaxUint32,
	}
}

func (m *KernelMount) Path() DevicePath {
	return GetDevicePath(m.deviceIndex)
}

func (m *KernelMount) Open(ctx context.Context) (retDeviceIndex uint32, err error) {
	ctx, span := tracer.Start(ctx, "kernel-mount-open", trace.WithAttributes(attribute.String(logger.DeviceNameKey, m.device.Name())))
	defer span.End()

	ctx, m.cancelfn = context.WithCancel(ctx)

	defer func() {
		m.deviceIndex = retDeviceIndex
		m.logger.Debug("opening kernel mount", zap.Uint32("nbd_index", retDeviceIndex), zap.Error(err))
	}()

	deviceIndex, err := m.devicePool.GetDevice(ctx)
	if err != nil {
		return math.MaxUint32, err
	}

	telemetry.ReportEvent(ctx, "got nbd device index")

	for i := range m.device.HardwareQueues() {
		sockPair, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return math.MaxUint32, errors.Join(err, m.closeSockets(), m.devicePool.ReleaseDevice(ctx, deviceIndex))
		}

		client := os.NewFile(uintptr(sockPair[0]), "client")
		server := os.NewFile(uintptr(sockPair[1]), "server")

		serverc, err := net.FileConn(server)
		if err != nil {
			client.Close()
			server.Close()

			return math.MaxUint32, errors.Join(err, m.closeSockets(), m.devicePool.ReleaseDevice(ctx, deviceIndex))
		}
		server.Close()

		dispatch := NewDispatch(serverc, m.device, i, m.logger)
		m.handlersWg.Go(func() {
			handleErr := dispatch.Handle(ctx)
			// Expected once the socket is closed.
			m.logger.Info("closing handler for NBD commands",
				zap.Error(handleErr),
				zap.Int("socket_index", i),
			)
		})

		m.socksServer = append(m.socksServer, serverc)
		m.socksClient = append(m.socksClient, client)
		m.dispatchers = append(m.dispatchers, dispatch)
	}

	serverFlags := nbdnl.FlagHasFlags | nbdnl.FlagCanMulticonn

	idx, err := nbdnl.Connect(deviceIndex, m.socksClient, uint64(m.device.Capacity()), 0, serverFlags,
		nbdnl.WithBlockSize(uint64(m.device.SectorSize())),
		nbdnl.WithTimeout(connectTimeout),
		nbdnl.WithDeadconnTimeout(connectTimeout),
	)
	if err != nil {
		return math.MaxUint32, errors.Join(
			fmt.Errorf("failed to connect nbd%d: %w", deviceIndex, err),
			m.closeSockets(),
			m.devicePool.ReleaseDevice(ctx, deviceIndex),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return math.MaxUint32, ctx.Err()
		default:
		}

		s, err := nbdnl.Status(idx)
		if err == nil && s.Connected {
			break
		}

		time.Sleep(time.Millisecond)
	}

	telemetry.ReportEvent(ctx, "connected to NBD")

	m.logger.Info("device attached", zap.String("path", GetDevicePath(idx)))

	return idx, nil
}

// Close disconnects the kernel device, waits for in-flight replies and gives the slot back.
func (m *KernelMount) Close(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "kernel-mount-close", trace.WithAttributes(attribute.String(logger.DeviceNameKey, m.device.Name())))
	defer span.End()

	var errs []error

	idx := m.deviceIndex

	if m.cancelfn != nil {
		m.cancelfn()
	}

	for _, v := range m.socksServer {
		err := v.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("error closing server pair: %w", err))
		}
	}

	m.handlersWg.Wait()
	telemetry.ReportEvent(ctx, "handlers stopped")

	for _, d := range m.dispatchers {
		d.Drain()
	}

	if idx != math.MaxUint32 {
		err := disconnectNBDWithTimeout(ctx, idx, disconnectTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("error disconnecting NBD: %w", err))
		}
	}

	for _, v := range m.socksClient {
		err := v.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("error closing socket pair client: %w", err))
		}
	}

	if idx != math.MaxUint32 {
		releaseCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		defer cancel()

		err := m.devicePool.ReleaseDeviceWithRetry(releaseCtx, idx)
		if err != nil {
			errs = append(errs, fmt.Errorf("error releasing nbd device: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (m *KernelMount) closeSockets() error {
	var errs []error
	for _, sock := range m.socksClient {
		errs = append(errs, sock.Close())
	}
	for _, sock := range m.socksServer {
		errs = append(errs, sock.Close())
	}

	m.socksClient = nil
	m.socksServer = nil

	return errors.Join(errs...)
}

func disconnectNBDWithTimeout(ctx context.Context, deviceIndex uint32, timeout time.Duration) error {
	err := nbdnl.Disconnect(deviceIndex)
	if err != nil {
		return err
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctxTimeout.Done():
			return ctxTimeout.Err()
		default:
		}

		s, err := nbdnl.Status(deviceIndex)
		if err == nil && !s.Connected {
			return nil
		}

		time.Sleep(time.Millisecond)
	}
}
