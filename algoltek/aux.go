package algoltek

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

const (
	/* DPCD mailbox of the MST hub */
	AUXWriteAddress = 0x80000
	AUXReadAddress  = 0x80010

	AUXChunkSize = 8
	AUXFlashSize = 0x40000

	/* Data packets are acknowledged with a CRC16 every window */
	AUXWindow  = 32
	AUXCrcSeed = 0x1021

	i2cAddress = 0x51

	/* Set on the last data packet of a window */
	flagWindowEnd = 0x40
	flagCrc       = 0x80

	dataPacketSize = 14
	auxVersionSize = 64
)

/* AUXDevice is the same bridge family behind a DisplayPort AUX channel. The
 * channel writes the mailbox and reads its reply buffer. */
type AUXDevice struct {
	ch  transfer.Channel
	isp []byte

	Timeout time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	LogFunc func(format string, params ...any)
}

func (d *AUXDevice) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func NewAUX(ch transfer.Channel) *AUXDevice {
	return &AUXDevice{
		ch:      ch,
		Timeout: time.Second,
		Sleep:   transfer.Sleep,
	}
}

func (d *AUXDevice) SetISP(isp []byte) {
	d.isp = padChunks(isp, AUXChunkSize)
}

/* AUXFirmware splits an update file like Firmware and pads both images with
 * zeroes to whole chunks. The hub computes its window CRCs over the padded
 * packets, so the session has to checksum the same bytes. */
func AUXFirmware(data []byte, ispSize int) (*image.Blob, error) {
	if err := checkISPSize(data, ispSize); err != nil {
		return nil, err
	}

	isp := padChunks(data[:ispSize], AUXChunkSize)
	payload := padChunks(data[ispSize:], AUXChunkSize)

	padded := make([]byte, 0, len(isp)+len(payload))
	padded = append(append(padded, isp...), payload...)

	return image.New(padded, 0,
		image.Image{ID: ImageISP, Offset: 0, Size: len(isp), Address: ISPAddress},
		image.Image{ID: ImagePayload, Offset: len(isp), Size: len(payload), Address: 0})
}

/* write waits before every packet, the hub drops packets that come too
 * fast */
func (d *AUXDevice) write(ctx context.Context, pkt []byte, delay int) error {
	if err := d.Sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
		return err
	}
	return d.ch.Write(ctx, pkt, d.Timeout)
}

func (d *AUXDevice) read(ctx context.Context, buf []byte) error {
	if err := d.Sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}
	return transfer.ReadFull(ctx, d.ch, buf, d.Timeout)
}

/* registerPacket is used by EN, RST and WRR */
func registerPacket(cmd byte, address uint16, value uint16) []byte {
	pkt := []byte{i2cAddress, 5, 5, cmd, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(pkt[4:], address)
	binary.BigEndian.PutUint16(pkt[6:], value)
	return pkt
}

/* addressPacket is used by BOT and ERS */
func addressPacket(cmd byte, address uint16) []byte {
	pkt := []byte{i2cAddress, 4, 3, cmd, 0, 0}
	binary.BigEndian.PutUint16(pkt[4:], address)
	return pkt
}

func versionPacket() []byte {
	return []byte{i2cAddress, 3, 3, cmdRDV, 0, 0}
}

/* dummyPacket flushes the mailbox after data packets */
func dummyPacket() []byte {
	return []byte{i2cAddress, 0, 0, 0, 0, 0}
}

func dataPacket(cmd byte, serial uint16, sublen byte, length byte, data []byte) []byte {
	pkt := make([]byte, dataPacketSize)
	pkt[0] = i2cAddress
	pkt[1] = sublen
	binary.BigEndian.PutUint16(pkt[2:], serial)
	pkt[4] = length
	pkt[5] = cmd
	copy(pkt[6:], data)
	return pkt
}

func crcPacket(serial uint16, sublen byte, length byte, crc uint16) []byte {
	pkt := []byte{i2cAddress, sublen | flagCrc, 0, 0, length, cmdISP, 0, 0}
	binary.BigEndian.PutUint16(pkt[2:], serial)
	binary.BigEndian.PutUint16(pkt[6:], crc)
	return pkt
}

/* Serial numbers count packets, the CRC packet closing a window takes one
 * as well */
func serial(index uint32, first uint16) uint16 {
	return first + uint16(index+index/AUXWindow)
}

func crcSerial(window uint32, first uint16) uint16 {
	return first + uint16((window+1)*(AUXWindow+1)-1)
}

/* Version reads the version string in four mailbox reads */
func (d *AUXDevice) Version(ctx context.Context) (string, error) {
	version := make([]byte, 0, auxVersionSize)
	reply := make([]byte, 16)

	for i := 0; i < 4; i++ {
		if err := d.write(ctx, versionPacket(), 20); err != nil {
			return "", errors.Wrap(err, "request version")
		}
		if err := d.read(ctx, reply); err != nil {
			return "", errors.Wrap(err, "read version")
		}

		/* The first reply starts with length and command */
		if i == 0 {
			version = append(version, reply[2:]...)
		} else {
			version = append(version, reply...)
		}
	}

	/* parseVersion expects the length and command header */
	return parseVersion(append([]byte{0, cmdRDV}, version...))
}

/* auxISP uploads the loader. Its serial numbers start at zero and its CRC
 * packets are longer than the ones of the flash data. */
type auxISP struct {
	d *AUXDevice
}

func (l auxISP) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	pkt := dataPacket(cmdISP, serial(c.Index, 0), 11, 11, c.Data)
	return l.d.write(ctx, pkt, 20)
}

func (l auxISP) SyncChecksum(ctx context.Context, window uint32, value uint32) error {
	pkt := crcPacket(crcSerial(window, 0), 8, 8, uint16(value))
	return l.d.write(ctx, pkt, 20)
}

func (d *AUXDevice) uploadISP(ctx context.Context) error {
	if len(d.isp) == 0 {
		return ErrorNoISP
	}

	blob, err := image.New(d.isp, ISPAddress)
	if err != nil {
		return err
	}

	s := session.New(auxISP{d}, session.WithSleep(d.Sleep), session.WithLogFunc(d.LogFunc))
	_, err = s.WriteFirmware(ctx, blob, session.Config{
		MaxChunkSize:      AUXChunkSize,
		MaxSize:           0x10000 - ISPAddress,
		ChecksumAlgorithm: checksum.Crc16Ccitt,
		ChecksumSeed:      AUXCrcSeed,
		ChecksumWindow:    AUXWindow,
	})
	return err
}

func (d *AUXDevice) Enable(ctx context.Context) error {
	if err := d.write(ctx, registerPacket(cmdEN, 0, 0), 20); err != nil {
		return errors.Wrap(err, "system activation")
	}
	if err := d.write(ctx, registerPacket(cmdRST, 0x300, 0), 20); err != nil {
		return errors.Wrap(err, "system reboot")
	}
	if err := d.Sleep(ctx, 500*time.Millisecond); err != nil {
		return err
	}

	for _, m := range ispPrepareRegisters {
		if err := d.write(ctx, registerPacket(cmdWRR, m, 0), 20); err != nil {
			return errors.Wrapf(err, "register %04x", m)
		}
	}
	if err := d.Sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}

	if err := d.uploadISP(ctx); err != nil {
		return errors.Wrap(err, "isp")
	}
	if err := d.Sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	if err := d.write(ctx, addressPacket(cmdBOT, ISPAddress), 20); err != nil {
		return errors.Wrap(err, "system boot")
	}
	if err := d.Sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	d.log("ISP loader running")
	return nil
}

/* EraseChip erases all of the flash behind the loader, which is slow */
func (d *AUXDevice) EraseChip(ctx context.Context) error {
	if err := d.write(ctx, addressPacket(cmdERS, ISPAddress), 20); err != nil {
		return err
	}
	return d.Sleep(ctx, 5*time.Second)
}

/* WriteChunk sends eight bytes. A short chunk would not match the window
 * CRC of the hub, images come from AUXFirmware. */
func (d *AUXDevice) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	if c.Size() != AUXChunkSize {
		return transfer.ProtocolError("write", "chunk %d has %d bytes, the hub needs %d", c.Index, c.Size(), AUXChunkSize)
	}

	var sublen byte = 11
	if c.Index%AUXWindow == AUXWindow-1 {
		sublen |= flagWindowEnd
	}

	pkt := dataPacket(cmdWRF, serial(c.Index, 1), sublen, 10, c.Data)
	if err := d.write(ctx, pkt, 10); err != nil {
		return err
	}
	return d.write(ctx, dummyPacket(), 20)
}

func (d *AUXDevice) SyncChecksum(ctx context.Context, window uint32, value uint32) error {
	pkt := crcPacket(crcSerial(window, 1), 5, 4, uint16(value))
	if err := d.write(ctx, pkt, 10); err != nil {
		return errors.Wrapf(err, "crc %04x", value)
	}
	return d.write(ctx, dummyPacket(), 20)
}

func (d *AUXDevice) Close() error {
	return d.ch.Close()
}

func (d *AUXDevice) Config() session.Config {
	return session.Config{
		MaxChunkSize:      AUXChunkSize,
		Image:             ImagePayload,
		MaxSize:           AUXFlashSize,
		ChecksumAlgorithm: checksum.Crc16Ccitt,
		ChecksumSeed:      AUXCrcSeed,
		ChecksumWindow:    AUXWindow,
		EraseMode:         session.EraseChip,
		RetryMax:          1,
		RequiresReplug:    true,
		Weights:           session.Weights{Erase: 2, Write: 96, Verify: 1, Reset: 1},
	}
}

var _ interface {
	session.Device
	session.Enabler
	session.ChipEraser
	session.ChecksumSyncer
} = (*AUXDevice)(nil)
