package jms578

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/retry"
)

/* Commander sends vendor SCSI commands, *scsi.SCSI implements it */
type Commander interface {
	Read(ctx context.Context, cmd []byte, data []byte) (int, error)
	Write(ctx context.Context, cmd []byte, data []byte) error
	Reopen(ctx context.Context) error
}

const (
	regSPIOut    uint16 = 0x7140
	regSPIIn     uint16 = 0x7141
	regSPIStart  uint16 = 0x714c
	regSPIResult uint16 = 0x7150

	/* One PIO transaction moves at most this many bytes in both directions */
	MaxSPITransaction = 16
)

var ErrorSPIViolated = errors.New("SPI interface cannot handle transaction")

/* Bridge exposes the XDATA space of the controller and the SPI engine
 * behind it */
type Bridge struct {
	dev Commander

	SPIPollCount int

	LogFunc func(format string, params ...any)
}

func (d *Bridge) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func NewBridge(dev Commander) *Bridge {
	return &Bridge{
		dev:          dev,
		SPIPollCount: 1000,
	}
}

func xdataCommand(offset uint16, length int, memType byte) []byte {
	cmd := make([]byte, 12)
	cmd[0] = 0xdf
	cmd[4] = byte(length)
	binary.BigEndian.PutUint16(cmd[6:], offset)

	/* The command can read flash as well, we do that ourselves over SPI */
	cmd[11] = memType
	return cmd
}

func (d *Bridge) xdataRead(ctx context.Context, offset uint16, buf []byte) (int, error) {
	if len(buf) > 255 {
		buf = buf[:255]
	}

	return d.dev.Read(ctx, xdataCommand(offset, len(buf), 0xfd), buf)
}

func (d *Bridge) xdataWrite(ctx context.Context, offset uint16, buf []byte) (int, error) {
	if len(buf) > 255 {
		buf = buf[:255]
	}

	if err := d.dev.Write(ctx, xdataCommand(offset, len(buf), 0xfe), buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func completeIO(ctx context.Context, offset uint16, buf []byte, f func(ctx context.Context, offset uint16, buf []byte) (int, error)) (int, error) {
	if len(buf)+int(offset) > 0x10000 {
		buf = buf[:(0x10000 - int(offset))]
	}

	index := 0

	for len(buf) > 0 {
		n, err := f(ctx, offset, buf)
		index += n
		offset += uint16(n)

		if err != nil {
			return index, err
		}

		buf = buf[n:]
	}

	return index, nil
}

func (d *Bridge) XDATARead(ctx context.Context, offset uint16, buf []byte) (int, error) {
	return completeIO(ctx, offset, buf, d.xdataRead)
}

func (d *Bridge) XDATAWrite(ctx context.Context, offset uint16, buf []byte) (int, error) {
	return completeIO(ctx, offset, buf, d.xdataWrite)
}

func (d *Bridge) XDATAReadByte(ctx context.Context, offset uint16) (byte, error) {
	var buf [1]byte

	_, err := d.XDATARead(ctx, offset, buf[:])
	return buf[0], err
}

func (d *Bridge) XDATAWriteByte(ctx context.Context, offset uint16, value byte) error {
	_, err := d.XDATAWrite(ctx, offset, []byte{value})
	return err
}

/* SPI runs one transaction on the flash bus: out is sent, then in is
 * received. It matches spiflash.Bus. */
func (d *Bridge) SPI(ctx context.Context, out []byte, in []byte) error {
	if len(out)+len(in) > MaxSPITransaction {
		return errors.Wrapf(ErrorSPIViolated, "%d+%d bytes", len(out), len(in))
	}

	for _, m := range out {
		if err := d.XDATAWriteByte(ctx, regSPIOut, m); err != nil {
			return err
		}
	}

	/* Readback scheme, one entry per received byte */
	for i := range in {
		if err := d.XDATAWriteByte(ctx, regSPIIn, byte(i)); err != nil {
			return err
		}
	}

	if err := d.XDATAWriteByte(ctx, regSPIStart, 1); err != nil {
		return err
	}

	err := retry.Poll(ctx, d.SPIPollCount, 0, func(ctx context.Context) error {
		value, err := d.XDATAReadByte(ctx, regSPIStart)
		if err != nil {
			return err
		}
		if value != 0 {
			return errors.New("SPI transaction still running")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(in) == 0 {
		return nil
	}
	_, err = d.XDATARead(ctx, regSPIResult, in)
	return err
}

func (d *Bridge) Version(ctx context.Context) (uint32, error) {
	var result [16]byte

	_, err := d.dev.Read(ctx, []byte{0xe0, 0xf4, 0xe7}, result[:])
	return binary.BigEndian.Uint32(result[12:]), err
}

/* Reset restarts the controller and waits for the disk to come back */
func (d *Bridge) Reset(ctx context.Context) error {
	if err := d.dev.Write(ctx, []byte{0xff, 0x4, 0x26, 'J', 'M'}, nil); err != nil {
		return errors.Wrap(err, "firmware does not support reset")
	}

	d.log("waiting for controller to restart")
	return d.dev.Reopen(ctx)
}
