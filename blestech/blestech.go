package blestech

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

const (
	ReportID = 0x0e

	/* Feature report sizes including the report ID */
	WriteReportSize = 33
	ReadReportSize  = 34

	/* Frame header, data follows at frameData */
	frameFixed = 6
	frameData  = 8
	replyData  = 4

	PageSize     = 0x200
	FirmwareSize = 0x18000
	BootSize     = 0x4000
	ConfigPage   = 96

	/* Bytes of page data carried by one program packet */
	packetData = 24
)

const (
	cmdGetVersion      = 0x01
	cmdUpdateStart     = 0x40
	cmdProgramPage     = 0x41
	cmdProgramPageEnd  = 0x42
	cmdProgramChecksum = 0x43
	cmdProgramEnd      = 0x44
)

var (
	cmdSwitchBoot  = []byte{0xff, 0xff, 0x5a, 0xa5}
	updateStartKey = []byte{0x75, 0x65, 0x55, 0x45, 0x63, 0x75, 0x69, 0x33}
)

var (
	ErrorNotInBoot        = errors.New("device did not enter the bootloader")
	ErrorFrameTooLarge    = errors.New("frame does not fit in a report")
	ErrorUnsupportedCheck = errors.New("device only verifies sum16 checksums")
)

/* Device is a Blestech touchpad controller reached over hidraw feature
 * reports */
type Device struct {
	ch transfer.Channel

	Timeout time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	LogFunc func(format string, params ...any)
}

func (d *Device) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func New(ch transfer.Channel) *Device {
	return &Device{
		ch:      ch,
		Timeout: time.Second,
		Sleep:   transfer.Sleep,
	}
}

func (d *Device) sleep(ctx context.Context, ms int) error {
	return d.Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

/* Frame encodes a request. The checksum covers everything from the frame
 * flag up to the end of the data. */
func Frame(wbuf []byte, rlen int) ([]byte, error) {
	if frameData+len(wbuf) > WriteReportSize {
		return nil, errors.Wrapf(ErrorFrameTooLarge, "%d bytes", len(wbuf))
	}

	frame := make([]byte, WriteReportSize)
	frame[0] = ReportID
	frame[1] = byte(len(wbuf) + frameFixed)
	binary.BigEndian.PutUint16(frame[4:], uint16(len(wbuf)))
	binary.BigEndian.PutUint16(frame[6:], uint16(rlen))
	copy(frame[frameData:], wbuf)

	packLen := int(frame[1])
	frame[2] = byte(checksum.Sum(checksum.Xor8, 0, frame[3:3+packLen-1]))

	return frame, nil
}

func (d *Device) write(ctx context.Context, wbuf []byte, rlen int) error {
	frame, err := Frame(wbuf, rlen)
	if err != nil {
		return err
	}
	return d.ch.Write(ctx, frame, d.Timeout)
}

func (d *Device) read(ctx context.Context, n int) ([]byte, error) {
	report := make([]byte, ReadReportSize)
	report[0] = ReportID

	if err := transfer.ReadFull(ctx, d.ch, report, d.Timeout); err != nil {
		return nil, err
	}
	return report[replyData : replyData+n], nil
}

/* Version returns the running firmware version, BCD encoded. Bootloader
 * versions have a low byte between 0xC0 and 0xD0. */
func (d *Device) Version(ctx context.Context) (uint16, error) {
	if err := d.write(ctx, []byte{cmdGetVersion}, 3); err != nil {
		return 0, errors.Wrap(err, "request version")
	}

	reply, err := d.read(ctx, 3)
	if err != nil {
		return 0, errors.Wrap(err, "read version")
	}
	return binary.LittleEndian.Uint16(reply[1:]), nil
}

func (d *Device) switchBoot(ctx context.Context) error {
	if err := d.write(ctx, cmdSwitchBoot, 0); err != nil {
		return err
	}
	if err := d.sleep(ctx, 50); err != nil {
		return err
	}

	version, err := d.Version(ctx)
	if err != nil {
		return err
	}

	if boot := version & 0xff; boot < 0xc0 || boot > 0xd0 {
		return errors.Wrapf(ErrorNotInBoot, "version %04x", version)
	}

	d.log("bootloader version %04x", version)
	return nil
}

func (d *Device) updateStart(ctx context.Context) error {
	if err := d.write(ctx, append([]byte{cmdUpdateStart}, updateStartKey...), 2); err != nil {
		return err
	}
	if err := d.sleep(ctx, 10); err != nil {
		return err
	}

	/* The reply carries nothing useful but has to be collected */
	_, err := d.read(ctx, 2)
	return err
}

/* Enable switches to the bootloader and unlocks programming */
func (d *Device) Enable(ctx context.Context) error {
	if err := d.switchBoot(ctx); err != nil {
		return errors.Wrap(err, "switch boot")
	}
	if err := d.updateStart(ctx); err != nil {
		return errors.Wrap(err, "update start")
	}
	return nil
}

func (d *Device) programPageEnd(ctx context.Context, c chunk.Chunk) error {
	page := uint16(c.Page)
	if err := d.write(ctx, []byte{cmdProgramPageEnd, byte(page), byte(page >> 8)}, 3); err != nil {
		return err
	}
	if err := d.sleep(ctx, 30); err != nil {
		return err
	}

	reply, err := d.read(ctx, 3)
	if err != nil {
		return err
	}

	expected := checksum.Sum(checksum.Xor8, 0, c.Data)
	if uint32(reply[1]) != expected {
		return &session.ChecksumMismatchError{
			Address:  c.Address,
			Expected: expected,
			Actual:   uint32(reply[1]),
		}
	}
	return nil
}

/* WriteChunk sends one flash page in small packets and lets the device
 * confirm it with the page XOR */
func (d *Device) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	for i := 0; i < len(c.Data); i += packetData {
		data := c.Data[i:min(i+packetData, len(c.Data))]

		if err := d.write(ctx, append([]byte{cmdProgramPage}, data...), 0); err != nil {
			return errors.Wrapf(err, "program @0x%08x", c.Address+uint64(i))
		}
		if err := d.sleep(ctx, 1); err != nil {
			return err
		}
	}

	return d.programPageEnd(ctx, c)
}

/* VerifyChecksum sends the expected image sum and returns the one the
 * device computed over its flash */
func (d *Device) VerifyChecksum(ctx context.Context, alg checksum.Algorithm, expected uint32) (uint32, error) {
	if alg != checksum.Sum16 {
		return 0, errors.Wrapf(ErrorUnsupportedCheck, "got %v", alg)
	}

	if err := d.write(ctx, []byte{cmdProgramChecksum, byte(expected), byte(expected >> 8)}, 4); err != nil {
		return 0, err
	}
	if err := d.sleep(ctx, 60); err != nil {
		return 0, err
	}

	reply, err := d.read(ctx, 4)
	if err != nil {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(reply[1:])), nil
}

/* Finish leaves the bootloader, the application needs about 80ms to start */
func (d *Device) Finish(ctx context.Context) error {
	if err := d.write(ctx, []byte{cmdProgramEnd}, 0); err != nil {
		return err
	}
	return d.sleep(ctx, 80)
}

func (d *Device) Close() error {
	return d.ch.Close()
}

/* Config is the fixed update layout: the boot pages are never touched and
 * the config page goes last so an interrupted update does not boot */
func Config() session.Config {
	var skip []uint32
	for i := uint32(0); i < BootSize/PageSize; i++ {
		skip = append(skip, i)
	}

	return session.Config{
		MaxChunkSize:             PageSize,
		PageSize:                 PageSize,
		MinSize:                  FirmwareSize,
		MaxSize:                  FirmwareSize,
		ChecksumAlgorithm:        checksum.Sum16,
		SkipChunks:               skip,
		DeferredChunks:           []uint32{ConfigPage},
		RetryMax:                 5,
		RetryDelay:               30 * time.Millisecond,
		ResendOnChecksumMismatch: true,
		VerifyMode:               session.VerifyChecksum,
	}
}

var _ interface {
	session.Device
	session.Enabler
	session.ChecksumVerifier
	session.Finisher
} = (*Device)(nil)
