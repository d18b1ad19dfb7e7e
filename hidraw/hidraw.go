package hidraw

import (
	"context"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/flashcore/transfer"
)

const (
	iocWrite = 1
	iocRead  = 2

	hidiocSFeature = 0x06
	hidiocGFeature = 0x07
)

func ioc(dir uintptr, nr uintptr, size int) uintptr {
	return dir<<30 | uintptr(size)<<16 | uintptr('H')<<8 | nr
}

/* Device talks to a hidraw node through feature reports. The first byte of
 * every buffer is the report ID. */
type Device struct {
	transfer.OpenState

	path string
	fd   int

	ReportSize int
}

func Open(path string, reportSize int) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	return &Device{
		path:       path,
		fd:         fd,
		ReportSize: reportSize,
	}, nil
}

func (d *Device) ioctl(op string, req uintptr, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, transfer.ProtocolError(op, "empty report")
	}

	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(unsafe.Pointer(&buf[0])))
	switch errno {
	case 0:
		return int(n), nil
	case unix.EAGAIN, unix.EBUSY, unix.ENODEV:
		return 0, transfer.NotReadyError(op, errno)
	case unix.ETIMEDOUT:
		return 0, transfer.TimeoutError(op, errno)
	case unix.EPIPE, unix.EINVAL:
		return 0, transfer.ProtocolError(op, "%w", errno)
	}
	return 0, transfer.IOError(op, errno)
}

func (d *Device) SetFeature(ctx context.Context, report []byte) error {
	if err := d.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := d.ioctl("set feature", ioc(iocWrite|iocRead, hidiocSFeature, len(report)), report)
	if err != nil {
		return err
	}
	if n != len(report) {
		return transfer.ShortWriteError("set feature", len(report), n)
	}
	return nil
}

func (d *Device) GetFeature(ctx context.Context, report []byte) (int, error) {
	if err := d.Check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return d.ioctl("get feature", ioc(iocWrite|iocRead, hidiocGFeature, len(report)), report)
}

/* The ioctls block in the kernel, the timeout is enforced by the driver */
func (d *Device) Write(ctx context.Context, payload []byte, timeout time.Duration) error {
	if err := transfer.CheckPayload(d, payload); err != nil {
		return err
	}
	return d.SetFeature(ctx, payload)
}

func (d *Device) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return d.GetFeature(ctx, buf)
}

func (d *Device) MaxPayload() int {
	return d.ReportSize
}

func (d *Device) Close() error {
	if !d.MarkClosed() {
		return nil
	}
	return unix.Close(d.fd)
}
