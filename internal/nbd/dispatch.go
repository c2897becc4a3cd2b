package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

var ErrShuttingDown = errors.New("shutting down. Cannot serve any new requests")

const (
	dispatchBufferSize = 4 * 1024 * 1024
	// 32MB is the maximum buffer size for a single request that should be universally supported.
	dispatchMaxRequestSize = 32 * 1024 * 1024

	requestHeaderSize  = 28
	responseHeaderSize = 16
)

// NBD Commands
const (
	NBDCmdRead       = 0
	NBDCmdWrite      = 1
	NBDCmdDisconnect = 2
	NBDCmdFlush      = 3
	NBDCmdTrim       = 4
)

const (
	NBDRequestMagic  = 0x25609513
	NBDResponseMagic = 0x67446698
)

// NBD Request packet
type Request struct {
	Magic  uint32
	Type   uint32
	Handle uint64
	From   uint64
	Length uint32
}

// Dispatch serves the transmission phase of one NBD connection. Every read and
// write becomes a ramdisk request; the reply is written when the request completes.
type Dispatch struct {
	fp     io.ReadWriter
	device *ramdisk.Device
	// queue is the hardware queue hint given to every request of this connection.
	queue  int
	logger *zap.Logger

	responseHeader   []byte
	writeLock        sync.Mutex
	pendingResponses sync.WaitGroup
	shuttingDown     bool
	shuttingDownLock sync.Mutex
	fatal            chan error
}

func NewDispatch(fp io.ReadWriter, device *ramdisk.Device, queue int, logger *zap.Logger) *Dispatch {
	d := &Dispatch{
		responseHeader: make([]byte, responseHeaderSize),
		fp:             fp,
		device:         device,
		queue:          queue,
		logger:         logger,
		fatal:          make(chan error, 1),
	}

	binary.BigEndian.PutUint32(d.responseHeader, NBDResponseMagic)

	return d
}

// Drain stops accepting requests and waits for every pending reply to be written.
func (d *Dispatch) Drain() {
	d.shuttingDownLock.Lock()
	d.shuttingDown = true
	defer d.shuttingDownLock.Unlock()

	d.pendingResponses.Wait()
}

func (d *Dispatch) writeResponse(respError uint32, respHandle uint64, chunk []byte) error {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	binary.BigEndian.PutUint32(d.responseHeader[4:], respError)
	binary.BigEndian.PutUint64(d.responseHeader[8:], respHandle)

	_, err := d.fp.Write(d.responseHeader)
	if err != nil {
		return err
	}

	if len(chunk) > 0 {
		_, err = d.fp.Write(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

// Handle reads requests until the peer disconnects, the connection fails or ctx is done.
func (d *Dispatch) Handle(ctx context.Context) error {
	buffer := make([]byte, dispatchBufferSize)
	wp := 0

	request := Request{}

	for {
		n, err := d.fp.Read(buffer[wp:])
		if err != nil {
			return err
		}
		wp += n

		rp := 0
		for {
			select {
			case err := <-d.fatal:
				return err
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if wp-rp < requestHeaderSize {
				break
			}

			header := buffer[rp : rp+requestHeaderSize]
			request.Magic = binary.BigEndian.Uint32(header)
			request.Type = binary.BigEndian.Uint32(header[4:8])
			request.Handle = binary.BigEndian.Uint64(header[8:16])
			request.From = binary.BigEndian.Uint64(header[16:24])
			request.Length = binary.BigEndian.Uint32(header[24:28])

			if request.Magic != NBDRequestMagic {
				return fmt.Errorf("received invalid MAGIC")
			}

			switch request.Type {
			case NBDCmdDisconnect:
				return nil
			case NBDCmdRead:
				rp += requestHeaderSize

				if request.Length > dispatchMaxRequestSize {
					return fmt.Errorf("nbd read request length %d exceeds maximum %d", request.Length, dispatchMaxRequestSize)
				}

				err := d.submit(ctx, ramdisk.OpRead, request.Handle, request.From, make([]byte, request.Length))
				if err != nil {
					return err
				}
			case NBDCmdWrite:
				rp += requestHeaderSize

				if request.Length > dispatchMaxRequestSize {
					return fmt.Errorf("nbd write request length %d exceeds maximum %d", request.Length, dispatchMaxRequestSize)
				}

				data := make([]byte, request.Length)

				dataCopied := copy(data, buffer[rp:wp])

				rp += dataCopied

				// The payload may be larger than what is left in the buffer.
				for dataCopied < int(request.Length) {
					n, err := d.fp.Read(data[dataCopied:])
					if err != nil {
						return fmt.Errorf("nbd write read error: %w", err)
					}

					dataCopied += n

					select {
					case err := <-d.fatal:
						return err
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				err := d.submit(ctx, ramdisk.OpWrite, request.Handle, request.From, data)
				if err != nil {
					return err
				}
			case NBDCmdFlush:
				rp += requestHeaderSize

				err := d.submit(ctx, ramdisk.OpFlush, request.Handle, request.From, nil)
				if err != nil {
					return err
				}
			case NBDCmdTrim:
				rp += requestHeaderSize

				err := d.submit(ctx, ramdisk.OpDiscard, request.Handle, request.From, nil)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("nbd not implemented %d", request.Type)
			}
		}

		// Move any partial header to the start.
		if rp != 0 && rp != wp {
			copy(buffer, buffer[rp:wp])
		}
		wp -= rp
	}
}

// submit turns one NBD command into a ramdisk request. The reply is written from
// the completion callback; a write failure there ends Handle.
func (d *Dispatch) submit(ctx context.Context, op ramdisk.Op, handle, from uint64, data []byte) error {
	d.shuttingDownLock.Lock()
	if d.shuttingDown {
		d.shuttingDownLock.Unlock()

		return ErrShuttingDown
	}

	d.pendingResponses.Add(1)
	d.shuttingDownLock.Unlock()

	sector, err := toSector(d.device, int64(from), len(data))
	if err != nil {
		defer d.pendingResponses.Done()

		d.logger.Debug("rejecting unaligned nbd request", zap.Uint64("handle", handle), zap.Error(err))

		return d.writeResponse(uint32(unix.EINVAL), handle, nil)
	}

	req := ramdisk.NewRequest(op, sector, payloadSegments(d.device, data), func(_ *ramdisk.Request, c ramdisk.Completion) {
		defer d.pendingResponses.Done()

		var writeErr error
		if c.OK() {
			if op == ramdisk.OpRead {
				writeErr = d.writeResponse(0, handle, data)
			} else {
				writeErr = d.writeResponse(0, handle, nil)
			}
		} else {
			writeErr = d.writeResponse(errno(c.Err), handle, nil)
		}

		if writeErr != nil {
			select {
			case d.fatal <- writeErr:
			default:
				d.logger.Error("nbd error writing reply", zap.Stringer("op", op), zap.Error(writeErr))
			}
		}
	})
	req.Handle = handle
	req.Queue = d.queue

	err = d.device.Submit(ctx, req)
	if err != nil {
		defer d.pendingResponses.Done()

		d.logger.Warn("nbd request not accepted", zap.Stringer("op", op), zap.Uint64("handle", handle), zap.Error(err))

		return d.writeResponse(errno(err), handle, nil)
	}

	return nil
}

func errno(err error) uint32 {
	switch {
	case errors.Is(err, ramdisk.ErrUnsupportedOperation):
		return uint32(unix.EOPNOTSUPP)
	case errors.Is(err, ramdisk.ErrDeviceClosed):
		return uint32(unix.ESHUTDOWN)
	default:
		return uint32(unix.EIO)
	}
}
