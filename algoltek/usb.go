package algoltek

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
	"github.com/BertoldVdb/flashcore/usbdev"
)

const (
	USBChunkSize  = 64
	USBSectorSize = 0x1000
	USBSectors    = 64
	USBFlashSize  = USBSectors * USBSectorSize

	/* ISP packets carry the address next to the data */
	usbISPData = USBChunkSize - 5

	eraseSector = 0x20

	identification128k = 0x1f
	identification256k = 0x3f

	regUpdateStatus = 0x807f
	updatePass      = 0x01
)

/* USBDevice talks to the bridge through vendor control requests addressed
 * to its interface. Every request repeats its command in bRequest. */
type USBDevice struct {
	ctrl *usbdev.VendorControl
	isp  []byte

	/* Set after erasing, the flash needs time before the first write */
	settle bool

	Timeout time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	LogFunc func(format string, params ...any)
}

func (d *USBDevice) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func NewUSB(dev usbdev.Controller) *USBDevice {
	return &USBDevice{
		ctrl:    usbdev.NewVendorControl(dev),
		Timeout: 5 * time.Second,
		Sleep:   transfer.Sleep,
	}
}

func (d *USBDevice) sleep(ctx context.Context, ms int) error {
	return d.Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

func (d *USBDevice) SetISP(isp []byte) {
	d.isp = isp
}

func (d *USBDevice) out(ctx context.Context, value uint16, index uint16, pkt []byte) error {
	return d.ctrl.Out(ctx, pkt[1], value, index, pkt, d.Timeout)
}

/* Version reads the firmware version string */
func (d *USBDevice) Version(ctx context.Context) (string, error) {
	buf := make([]byte, USBChunkSize)
	n, err := d.ctrl.In(ctx, cmdRDV, 0xffff, 0xffff, buf, d.Timeout)
	if err != nil {
		return "", errors.Wrap(err, "read version")
	}
	return parseVersion(buf[:n])
}

func (d *USBDevice) readRegister(ctx context.Context, address uint16) (byte, error) {
	buf := make([]byte, len(usbPacket(cmdRDR, be16(address)...)))
	n, err := d.ctrl.In(ctx, cmdRDR, address, 0xffff, buf, d.Timeout)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, transfer.ShortReadError("read register", len(buf), n)
	}
	return buf[0], nil
}

func (d *USBDevice) writeRegister(ctx context.Context, address uint16, value uint16) error {
	return d.out(ctx, 0, 0, usbPacket(cmdWRR, append(be16(address), be16(value)...)...))
}

func (d *USBDevice) reset(ctx context.Context, address uint16) error {
	return d.out(ctx, 0, 0, usbPacket(cmdRST, byte(address>>8)))
}

func (d *USBDevice) erase(ctx context.Context, kind byte, sector byte) error {
	return d.out(ctx, uint16(kind)<<8|uint16(sector), 0, usbPacket(cmdERS))
}

func (d *USBDevice) writeISP(ctx context.Context, c chunk.Chunk) error {
	payload := append(be16(uint16(c.Address)), c.Data...)
	return d.out(ctx, 0, 0, usbPacket(cmdISP, payload...))
}

/* uploadISP streams the loader into RAM with a session of its own */
func (d *USBDevice) uploadISP(ctx context.Context) error {
	if len(d.isp) == 0 {
		return ErrorNoISP
	}

	blob, err := image.New(d.isp, ISPAddress)
	if err != nil {
		return err
	}

	s := session.New(chunkWriter(d.writeISP), session.WithSleep(d.Sleep), session.WithLogFunc(d.LogFunc))
	_, err = s.WriteFirmware(ctx, blob, session.Config{
		MaxChunkSize:      usbISPData,
		MaxSize:           0x10000 - ISPAddress,
		ChecksumAlgorithm: checksum.Sum8Carry,
	})
	return err
}

/* Enable restarts the bridge, runs the ISP loader and clears both
 * identification sectors */
func (d *USBDevice) Enable(ctx context.Context) error {
	if err := d.out(ctx, 0, 0, usbPacket(cmdEN)); err != nil {
		return errors.Wrap(err, "system activation")
	}
	if err := d.reset(ctx, 0x200); err != nil {
		return errors.Wrap(err, "system reboot")
	}
	if err := d.sleep(ctx, 900); err != nil {
		return err
	}

	for _, m := range ispPrepareRegisters {
		if err := d.writeRegister(ctx, m, 0); err != nil {
			return errors.Wrapf(err, "register %04x", m)
		}
	}
	if err := d.reset(ctx, 0); err != nil {
		return errors.Wrap(err, "system reboot")
	}
	if err := d.sleep(ctx, 500); err != nil {
		return err
	}

	if err := d.uploadISP(ctx); err != nil {
		return errors.Wrap(err, "isp")
	}
	if err := d.out(ctx, 0, 0, usbPacket(cmdBOT, be16(ISPAddress)...)); err != nil {
		return errors.Wrap(err, "system boot")
	}
	if err := d.sleep(ctx, 1000); err != nil {
		return err
	}

	for _, m := range []byte{identification128k, identification256k} {
		if err := d.erase(ctx, eraseSector, m); err != nil {
			return errors.Wrapf(err, "erase identification %02x", m)
		}
	}

	d.log("ISP loader running")
	return nil
}

func (d *USBDevice) EraseSector(ctx context.Context, sector uint32, address uint64) error {
	if sector >= USBSectors {
		return errors.Wrapf(chunk.ErrorOutOfRange, "sector %d", sector)
	}
	if err := d.erase(ctx, eraseSector, byte(sector)); err != nil {
		return errors.Wrapf(err, "erase sector %d", sector)
	}
	d.settle = true
	return nil
}

/* WriteChunk sends 64 raw bytes. wValue and wIndex carry a commit flag on
 * every fourth chunk followed by the 24 bit address. */
func (d *USBDevice) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	if d.settle {
		if err := d.sleep(ctx, 500); err != nil {
			return err
		}
		d.settle = false
	}

	var flag uint16
	if (c.Index+1)%4 == 0 {
		flag = 1
	}
	value := flag<<8 | uint16(c.Address>>16)&0xff
	index := uint16(c.Address)

	return d.ctrl.Out(ctx, cmdWRF, value, index, c.Data, d.Timeout)
}

func (d *USBDevice) PollStatus(ctx context.Context) error {
	status, err := d.readRegister(ctx, regUpdateStatus)
	if err != nil {
		return err
	}
	if status != updatePass {
		return errors.Wrapf(ErrorUpdateFailed, "status %02x", status)
	}
	return nil
}

/* Finish reboots into the new firmware, the device drops off the bus */
func (d *USBDevice) Finish(ctx context.Context) error {
	return d.reset(ctx, 0x100)
}

func (d *USBDevice) Close() error {
	return d.ctrl.Close()
}

func (d *USBDevice) Config() session.Config {
	sectors := make([]uint32, USBSectors)
	for i := range sectors {
		sectors[i] = uint32(i)
	}

	return session.Config{
		MaxChunkSize:      USBChunkSize,
		Image:             ImagePayload,
		MaxSize:           USBFlashSize,
		ChecksumAlgorithm: checksum.Sum8Carry,
		EraseMode:         session.EraseSectors,
		SectorSize:        USBSectorSize,
		EraseSectors:      sectors,
		RetryMax:          3,
		RetryDelay:        10 * time.Millisecond,
		StatusEvery:       4,
		StatusRetryMax:    10,
		RequiresReplug:    true,
		Weights:           session.Weights{Erase: 18, Write: 80, Verify: 1, Reset: 1},
	}
}

var _ interface {
	session.Device
	session.Enabler
	session.SectorEraser
	session.StatusPoller
	session.Finisher
} = (*USBDevice)(nil)
