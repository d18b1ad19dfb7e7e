package jms578

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/spiflash"
)

/* Device programs the SPI flash of a JMS578 bridge. The flash chip is
 * detected when the session opens the device. */
type Device struct {
	*Bridge

	flash *spiflash.Flash

	LogFunc func(format string, params ...any)
}

func (d *Device) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func New(dev Commander) *Device {
	return &Device{
		Bridge: NewBridge(dev),
	}
}

func (d *Device) Open(ctx context.Context) error {
	d.Bridge.LogFunc = d.LogFunc

	if version, err := d.Version(ctx); err == nil {
		d.log("running firmware version %08x", version)
	}

	flash, err := spiflash.New(ctx, d.SPI, MaxSPITransaction)
	if err != nil {
		return errors.Wrap(err, "detect flash")
	}
	flash.LogFunc = d.LogFunc
	d.flash = flash

	return nil
}

func (d *Device) Close() error {
	d.flash = nil
	return nil
}

func (d *Device) Flash() *spiflash.Flash {
	return d.flash
}

func (d *Device) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	return d.flash.WriteChunk(ctx, c)
}

func (d *Device) EraseChip(ctx context.Context) error {
	return d.flash.EraseChip(ctx)
}

func (d *Device) ReadBack(ctx context.Context, address uint64, buf []byte) error {
	return d.flash.ReadBack(ctx, address, buf)
}

/* Finish boots the new firmware */
func (d *Device) Finish(ctx context.Context) error {
	return d.Reset(ctx)
}

/* ReadFirmware reassembles a container from the regions in flash */
func (d *Device) ReadFirmware(ctx context.Context, length int) ([]byte, error) {
	fw := make([]byte, length)

	for _, m := range Regions(length) {
		if err := d.flash.ReadBack(ctx, m.Address, fw[m.Offset:m.Offset+m.Size]); err != nil {
			return nil, errors.Wrapf(err, "read %s", m.Name)
		}
	}
	return fw, nil
}

/* Config returns the flashing profile for a container of the given length.
 * The chip is erased as a whole since the header shares a sector with the
 * metadata. */
func Config(length int) session.Config {
	return session.Config{
		MaxChunkSize:      256,
		PageSize:          256,
		Regions:           Regions(length),
		MinSize:           RAMSize,
		MaxSize:           FlashSize,
		ChecksumAlgorithm: checksum.Crc32,
		ChecksumSeed:      checksum.Crc32.DefaultSeed(),
		EraseMode:         session.EraseChip,
		RetryMax:          3,
		RetryDelay:        50 * time.Millisecond,
		VerifyMode:        session.VerifyReadback,
	}
}

/* WriteFirmware validates and flashes a container, then restarts the bridge */
func WriteFirmware(ctx context.Context, s *session.Session, fw []byte) (session.Outcome, error) {
	blob, err := Load(fw)
	if err != nil {
		return session.Done, &session.InvalidFirmwareError{Reason: "container", Err: err}
	}

	return s.WriteFirmware(ctx, blob, Config(blob.Len()))
}

var _ interface {
	session.Device
	session.Opener
	session.ChipEraser
	session.Reader
	session.Finisher
} = (*Device)(nil)
