package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/cfg"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/logger"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/nbd"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/registry"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/telemetry"
)

const (
	serviceName = "ramdisk"
	version     = "0.1.0"

	sysfsRoot = "/sys"
)

var commitSHA string

func main() {
	success := run()
	if !success {
		os.Exit(1)
	}
}

func run() (success bool) {
	success = true

	config, err := cfg.Parse()
	if err != nil {
		log.Printf("failed to parse config: %v", err)

		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	tel := telemetry.NewNoopClient()
	if config.OTELCollectorGRPCEndpoint != "" {
		tel, err = telemetry.New(ctx, config.OTELCollectorGRPCEndpoint, serviceName, fmt.Sprintf("%s-%s", version, commitSHA))
		if err != nil {
			log.Printf("failed to create telemetry: %v", err)

			return false
		}
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
			success = false
		}
	}()

	loggerConfig := logger.LoggerConfig{
		ServiceName:   serviceName,
		IsDevelopment: config.IsLocal(),
		IsDebug:       config.Debug,
	}
	if config.OTELCollectorGRPCEndpoint != "" {
		loggerConfig.LoggerProvider = tel.LogsProvider
	}

	globalLogger := zap.Must(logger.NewLogger(ctx, loggerConfig))
	defer func(l *zap.Logger) {
		// Syncing stdout fails on some platforms, only report it.
		if err := l.Sync(); err != nil {
			log.Printf("error while shutting down logger: %v", err)
		}
	}(globalLogger)
	zap.ReplaceGlobals(globalLogger)

	devices, err := registry.New(globalLogger, tel.MeterProvider)
	if err != nil {
		zap.L().Error("failed to create device registry", zap.Error(err))

		return false
	}

	err = devices.Setup(ctx, registry.Config{
		Prefix:          config.DevicePrefix,
		Count:           config.Devices,
		SectorSize:      config.LogicalBlockSize,
		Capacity:        int64(config.DiskSize),
		Mode:            config.RequestMode,
		HardwareQueues:  config.HardwareQueues,
		QueueDepth:      config.QueueDepth,
		Debug:           config.Debug,
		InvalidateDelay: config.InvalidateDelay,
	})
	if err != nil {
		zap.L().Error("some devices failed to set up", zap.Error(err))
	}
	defer func() {
		if err := devices.Close(context.Background()); err != nil {
			zap.L().Error("error while removing devices", zap.Error(err))
			success = false
		}
	}()

	if config.Devices > 0 && len(devices.List()) == 0 {
		zap.L().Error("no device could be set up")

		return false
	}

	if config.NBDAttach {
		if err := attach(ctx, devices, tel); err != nil {
			zap.L().Error("failed to attach devices", zap.Error(err))

			return false
		}
	}

	server := nbd.NewServer(config.NBDSocketPath, devices.List, globalLogger)

	var g errgroup.Group
	serviceError := make(chan error, 1)

	g.Go(func() error {
		serveErr := server.Run(sig)
		if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			serviceError <- serveErr

			return fmt.Errorf("nbd server: %w", serveErr)
		}

		return nil
	})

	zap.L().Info("Started ramdisk",
		zap.String("commit", commitSHA),
		zap.Int("devices", len(devices.List())),
		zap.Stringer("request_mode", config.RequestMode),
	)

	select {
	case <-sig.Done():
		zap.L().Info("Shutdown signal received")
	case serviceErr := <-serviceError:
		zap.L().Error("Service error", zap.Error(serviceErr))
		sigCancel()
	}

	zap.L().Info("Waiting for services to finish")
	if err := g.Wait(); err != nil {
		zap.L().Error("service group error", zap.Error(err))
		success = false
	}

	return success
}

// attach connects every registered device to a free /dev/nbdX. The mount is
// closed by the registry before the device's store is released.
func attach(ctx context.Context, devices *registry.Registry, tel *telemetry.Client) error {
	counter, err := telemetry.GetUpDownCounter(tel.MeterProvider.Meter("internal.nbd"), telemetry.NBDSlotsInUseMeterName)
	if err != nil {
		return fmt.Errorf("failed to get nbd slot counter: %w", err)
	}

	pool, err := nbd.NewDevicePool(sysfsRoot, counter)
	if err != nil {
		return err
	}

	for _, device := range devices.List() {
		mount := nbd.NewKernelMount(device, pool, zap.L())

		if _, err := mount.Open(ctx); err != nil {
			return fmt.Errorf("failed to attach %s: %w", device.Name(), err)
		}

		if err := devices.OnRemove(device.Name(), mount.Close); err != nil {
			return errors.Join(err, mount.Close(ctx))
		}
	}

	return nil
}
