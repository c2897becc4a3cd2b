package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/cfg"
	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

func main() {
	var (
		modes       string
		size        string
		requestSize string
		sectorSize  int64
		workers     int
		requests    int
		hwQueues    int
		queueDepth  int
	)

	f := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	f.StringVar(&modes, "modes", "simple,full,direct,mq", "comma separated request modes to run")
	f.StringVar(&size, "size", "64M", "device size")
	f.StringVar(&requestSize, "request-size", "64K", "bytes per request")
	f.Int64Var(&sectorSize, "sector-size", ramdisk.KernelSectorSize, "logical block size")
	f.IntVar(&workers, "workers", 8, "concurrent submitters")
	f.IntVar(&requests, "requests", 1000, "write and read pairs per worker")
	f.IntVar(&hwQueues, "hw-queues", 4, "hardware queues in mq mode")
	f.IntVar(&queueDepth, "queue-depth", 16, "tags per hardware queue in mq mode")
	_ = f.Parse(os.Args[1:])

	deviceSize, err := cfg.ParseByteSize(size)
	if err != nil {
		log.Fatalf("invalid size: %v", err)
	}

	reqSize, err := cfg.ParseByteSize(requestSize)
	if err != nil {
		log.Fatalf("invalid request size: %v", err)
	}

	b := bench{
		capacity:    int64(deviceSize.(cfg.ByteSize)),
		requestSize: int64(reqSize.(cfg.ByteSize)),
		sectorSize:  sectorSize,
		workers:     workers,
		requests:    requests,
		hwQueues:    hwQueues,
		queueDepth:  queueDepth,
	}

	if b.requestSize <= 0 || b.requestSize%b.sectorSize != 0 {
		log.Fatalf("request size %d must be a positive multiple of the sector size %d", b.requestSize, b.sectorSize)
	}

	if int64(b.workers)*b.requestSize > b.capacity {
		log.Fatalf("%d workers of %s do not fit into %s", b.workers, humanize.IBytes(uint64(b.requestSize)), humanize.IBytes(uint64(b.capacity)))
	}

	ctx := context.Background()

	for _, name := range strings.Split(modes, ",") {
		mode, err := ramdisk.ParseMode(name)
		if err != nil {
			log.Fatalf("invalid mode: %v", err)
		}

		result, err := b.run(ctx, mode)
		if err != nil {
			log.Fatalf("%s: %v", mode, err)
		}

		fmt.Printf("%-7s %10s requests in %-12s %10s/s  failed: %s\n",
			mode,
			humanize.Comma(result.requests),
			result.duration.Round(time.Millisecond),
			humanize.IBytes(uint64(float64(result.bytes)/result.duration.Seconds())),
			humanize.Comma(result.failed),
		)
	}
}

type bench struct {
	capacity    int64
	requestSize int64
	sectorSize  int64
	workers     int
	requests    int
	hwQueues    int
	queueDepth  int
}

type result struct {
	requests int64
	failed   int64
	bytes    int64
	duration time.Duration
}

func (b bench) run(ctx context.Context, mode ramdisk.Mode) (result, error) {
	device, err := ramdisk.New(ramdisk.Config{
		Name:           "bench",
		SectorSize:     b.sectorSize,
		Capacity:       b.capacity,
		Mode:           mode,
		HardwareQueues: b.hwQueues,
		QueueDepth:     b.queueDepth,
	}, ramdisk.WithLogger(zap.NewNop()))
	if err != nil {
		return result{}, err
	}
	defer device.Close(ctx)

	// Each worker owns a disjoint stripe of the device.
	stripe := b.capacity / int64(b.workers)
	slots := stripe / b.requestSize

	var requests, failed, transferred atomic.Int64

	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := range b.workers {
		g.Go(func() error {
			payload := make([]byte, b.requestSize)
			readBack := make([]byte, b.requestSize)

			for i := range b.requests {
				if _, err := rand.Read(payload); err != nil {
					return err
				}

				offset := int64(w)*stripe + int64(i)%slots*b.requestSize
				sector := uint64(offset / b.sectorSize)

				write := device.Do(ctx, ramdisk.NewRequest(ramdisk.OpWrite, sector, segments(payload), nil))
				read := device.Do(ctx, ramdisk.NewRequest(ramdisk.OpRead, sector, segments(readBack), nil))

				requests.Add(2)
				transferred.Add(write.Transferred + read.Transferred)

				if !write.OK() || !read.OK() {
					failed.Add(1)

					continue
				}

				// Simple mode only moves the first segment of a request.
				n := min(write.Transferred, read.Transferred)
				if !bytes.Equal(payload[:n], readBack[:n]) {
					return fmt.Errorf("worker %d: data mismatch at offset %d", w, offset)
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result{}, err
	}

	return result{
		requests: requests.Load(),
		failed:   failed.Load(),
		bytes:    transferred.Load(),
		duration: time.Since(start),
	}, nil
}

// segments splits buf into page-sized segments the way the block layer hands them over.
func segments(buf []byte) []ramdisk.Segment {
	const page = 4096

	out := make([]ramdisk.Segment, 0, (len(buf)+page-1)/page)
	for start := 0; start < len(buf); start += page {
		out = append(out, ramdisk.Segment{Buf: buf[start:min(start+page, len(buf))]})
	}

	return out
}
