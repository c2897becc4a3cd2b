package nbd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/pojntfx/go-nbd/pkg/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/ramdisk/internal/nbd")

// Server exports every device returned by listDevices on a unix socket, using
// the device name as the export name.
type Server struct {
	listDevices func() []*ramdisk.Device
	socketPath  string
	logger      *zap.Logger
	ready       chan struct{}
}

func NewServer(socketPath string, listDevices func() []*ramdisk.Device, logger *zap.Logger) *Server {
	return &Server{
		listDevices: listDevices,
		socketPath:  socketPath,
		logger:      logger,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the socket is listening, or Run has returned.
func (n *Server) Ready() <-chan struct{} {
	return n.ready
}

func (n *Server) Run(ctx context.Context) error {
	var readyOnce bool
	markReady := func() {
		if !readyOnce {
			readyOnce = true
			close(n.ready)
		}
	}
	defer markReady()

	err := os.Remove(n.socketPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "unix", n.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	go func() {
		<-ctx.Done()

		closeErr := l.Close()
		if closeErr != nil {
			n.logger.Error("failed to close listener", zap.Error(closeErr))
		}
	}()

	n.logger.Info("nbd server listening", zap.String("socket", n.socketPath))
	markReady()

	for {
		conn, acceptErr := l.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				n.logger.Error("failed to accept connection", zap.Error(acceptErr))

				continue
			}
		}

		go n.serve(ctx, conn)
	}
}

func (n *Server) serve(ctx context.Context, conn net.Conn) {
	ctx, span := tracer.Start(ctx, "serve-nbd-connection")
	defer span.End()

	defer func() {
		_ = conn.Close()

		if err := recover(); err != nil {
			n.logger.Error("recovering from NBD server panic", zap.Any("panic", err))
		}
	}()

	devices := n.listDevices()
	if len(devices) == 0 {
		n.logger.Warn("no devices to export, closing connection")
		telemetry.ReportEvent(ctx, "no devices to export")

		return
	}

	exports := make([]*server.Export, 0, len(devices))
	for _, device := range devices {
		exports = append(exports, &server.Export{
			Name:        device.Name(),
			Description: fmt.Sprintf("%s ramdisk, %s mode", device.Name(), device.Mode()),
			Backend:     NewBackend(ctx, device),
		})
	}

	telemetry.ReportEvent(ctx, "exports listed", attribute.Int("exports", len(exports)))

	// All devices share one sector size when created from the same config.
	blockSize := uint32(devices[0].SectorSize())

	err := server.Handle(
		conn,
		exports,
		&server.Options{
			ReadOnly:           false,
			MinimumBlockSize:   blockSize,
			PreferredBlockSize: max(blockSize, pageSize),
			MaximumBlockSize:   dispatchMaxRequestSize,
			SupportsMultiConn:  true,
		})
	if err != nil {
		n.logger.Info("client disconnected with error", zap.Error(err))
		span.RecordError(err)
	}
}
