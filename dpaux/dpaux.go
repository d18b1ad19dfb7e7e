package dpaux

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/flashcore/transfer"
)

/* A single native AUX transaction carries at most 16 bytes */
const MaxTransaction = 16

/* Device accesses the DPCD address space of a sink through drm_dp_aux_dev.
 * Writes go to WriteAddress and reads come from ReadAddress, which is how
 * vendor mailbox style update protocols are laid out. */
type Device struct {
	transfer.OpenState

	fd int

	WriteAddress int64
	ReadAddress  int64
}

func Open(path string, writeAddress int64, readAddress int64) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	return &Device{
		fd:           fd,
		WriteAddress: writeAddress,
		ReadAddress:  readAddress,
	}, nil
}

func mapErrno(op string, err error) error {
	switch {
	case errors.Is(err, unix.ETIMEDOUT):
		return transfer.TimeoutError(op, err)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EBUSY), errors.Is(err, unix.ENODEV):
		return transfer.NotReadyError(op, err)
	case errors.Is(err, unix.EPROTO):
		return transfer.ProtocolError(op, "%w", err)
	}
	return transfer.IOError(op, err)
}

func (d *Device) Write(ctx context.Context, payload []byte, timeout time.Duration) error {
	if err := d.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transfer.CheckPayload(d, payload); err != nil {
		return err
	}

	n, err := unix.Pwrite(d.fd, payload, d.WriteAddress)
	if err != nil {
		return mapErrno("aux write", err)
	}
	if n != len(payload) {
		return transfer.ShortWriteError("aux write", len(payload), n)
	}
	return nil
}

func (d *Device) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := d.Check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := unix.Pread(d.fd, buf, d.ReadAddress)
	if err != nil {
		return 0, mapErrno("aux read", err)
	}
	return n, nil
}

func (d *Device) MaxPayload() int {
	return MaxTransaction
}

func (d *Device) Close() error {
	if !d.MarkClosed() {
		return nil
	}
	return unix.Close(d.fd)
}
