package spiflash

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/retry"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

/* Bus clocks out and then clocks in one SPI transaction with CS held low */
type Bus func(ctx context.Context, out []byte, in []byte) error

var (
	ErrorUnsupported   = errors.New("unsupported flash type")
	ErrorProgramFailed = errors.New("program operation failed")

	errBusy = errors.New("flash busy")
)

type Flash struct {
	bus Bus

	deviceID [4]byte
	device   flashDevice

	maxBytesPerTransaction int

	/* Leave bytes that are already 0xFF alone, only valid on erased flash */
	SkipErased bool

	PollDelay    time.Duration
	EraseTimeout time.Duration
	WriteTimeout time.Duration

	LogFunc func(format string, params ...any)
}

func (f *Flash) log(format string, params ...any) {
	if f.LogFunc != nil {
		f.LogFunc(format, params...)
	}
}

func New(ctx context.Context, bus Bus, maxBytesPerTransaction int) (*Flash, error) {
	if maxBytesPerTransaction <= 4 {
		return nil, errors.Errorf("transaction size %d too small", maxBytesPerTransaction)
	}

	f := &Flash{
		bus: bus,

		maxBytesPerTransaction: maxBytesPerTransaction,

		SkipErased:   true,
		PollDelay:    time.Millisecond,
		EraseTimeout: 20 * time.Second,
		WriteTimeout: time.Second,
	}

	/* The first command after power up is sometimes lost */
	err := retry.Fixed(2, 0).Do(ctx, f.readDeviceID)
	if err != nil {
		return nil, err
	}

	f.log("found %s (%02x)", f.device.name, f.deviceID[:3])
	return f, nil
}

func (f *Flash) readDeviceID(ctx context.Context) error {
	if err := f.bus(ctx, []byte{0x9F}, f.deviceID[:]); err != nil {
		return err
	}

	t := binary.BigEndian.Uint32(f.deviceID[:])
	var ok bool
	f.device, ok = deviceLookup(t)
	if !ok {
		return transfer.ProtocolError("read id", "%w: %08x", ErrorUnsupported, t)
	}

	return nil
}

func (f *Flash) DeviceID() [4]byte {
	return f.deviceID
}

func (f *Flash) Name() string {
	return f.device.name
}

func (f *Flash) PageSize() uint32 {
	return f.device.pageSize
}

func (f *Flash) BlockSize() uint32 {
	return f.device.blockSize
}

func (f *Flash) ChipSize() uint32 {
	return f.device.chipSize
}

func (f *Flash) writeEnable(ctx context.Context) error {
	return f.bus(ctx, []byte{0x6}, nil)
}

func (f *Flash) statusRead(ctx context.Context) (uint8, error) {
	var result [1]byte
	err := f.bus(ctx, []byte{0x5}, result[:])
	return result[0], err
}

func (f *Flash) waitIdle(ctx context.Context, maxDuration time.Duration) error {
	delay := max(f.PollDelay, time.Microsecond)

	p := retry.Policy{
		MaxAttempts: int(maxDuration/delay) + 1,
		Delay:       f.PollDelay,
		Retryable: func(err error) bool {
			return errors.Is(err, errBusy)
		},
	}

	err := p.Do(ctx, func(ctx context.Context) error {
		status, err := f.statusRead(ctx)
		if err != nil {
			return err
		}
		if status&1 != 0 {
			return errBusy
		}
		if status&(1<<5) > 0 {
			return transfer.ProtocolError("wait idle", "%w", ErrorProgramFailed)
		}
		return nil
	})

	if errors.Is(err, errBusy) {
		return transfer.TimeoutError("wait idle", err)
	}
	return err
}

func (f *Flash) EraseChip(ctx context.Context) error {
	if err := f.writeEnable(ctx); err != nil {
		return err
	}

	if err := f.bus(ctx, []byte{f.device.opcodeChipErase}, nil); err != nil {
		return err
	}

	return f.waitIdle(ctx, f.EraseTimeout)
}

/* EraseSector erases the block containing address. Sector numbers follow the
 * block size of the detected chip. */
func (f *Flash) EraseSector(ctx context.Context, sector uint32, address uint64) error {
	if address >= uint64(f.device.chipSize) {
		return errors.Wrapf(chunk.ErrorOutOfRange, "sector %d at %x", sector, address)
	}

	if err := f.writeEnable(ctx); err != nil {
		return err
	}

	var cmd [4]byte
	binary.BigEndian.PutUint32(cmd[:], uint32(address))
	cmd[0] = f.device.opcodeBlockErase

	if err := f.bus(ctx, cmd[:], nil); err != nil {
		return err
	}

	return f.waitIdle(ctx, f.EraseTimeout)
}

func (f *Flash) write(ctx context.Context, offset uint32, data []byte) (int, error) {
	/* Do not write over page boundary */
	maxLen := pageCrossLength(offset, uint32(len(data)), f.device.pageSize)
	if len(data) > maxLen {
		data = data[:maxLen]
	}

	skippedFront := 0
	skippedEnd := 0
	if f.SkipErased {
		/* Do not waste time writing large 0xFFFFFF blocks */
		for i, m := range data {
			if m != 0xFF {
				offset += uint32(i)
				skippedFront = i
				data = data[i:]
				break
			}
		}

		for len(data) > 0 && data[len(data)-1] == 0xFF {
			data = data[:len(data)-1]
			skippedEnd++
		}
		if len(data) == 0 {
			return skippedFront + skippedEnd, nil
		}
	}

	/* Ensure the transmission is not too long */
	if len(data)+4 > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-4]
		skippedEnd = 0
	}

	tmpBuf := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(tmpBuf, offset)
	tmpBuf[0] = 0x2

	tmpBuf = append(tmpBuf, data...)

	if err := f.writeEnable(ctx); err != nil {
		return 0, err
	}

	if err := f.bus(ctx, tmpBuf, nil); err != nil {
		return 0, err
	}

	if err := f.waitIdle(ctx, f.WriteTimeout); err != nil {
		return 0, err
	}

	return skippedFront + skippedEnd + len(data), nil
}

func (f *Flash) Write(ctx context.Context, offset uint32, data []byte) (int, error) {
	return completeIO(ctx, offset, data, f.write)
}

func (f *Flash) read(ctx context.Context, offset uint32, data []byte) (int, error) {
	if len(data)+4 > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-4]
	}

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], offset)
	out[0] = 0x3

	if err := f.bus(ctx, out[:], data); err != nil {
		return 0, err
	}

	return len(data), nil
}

func (f *Flash) Read(ctx context.Context, offset uint32, data []byte) (int, error) {
	return completeIO(ctx, offset, data, f.read)
}

func (f *Flash) checkRange(address uint64, length int) error {
	if address+uint64(length) > uint64(f.device.chipSize) {
		return errors.Wrapf(chunk.ErrorOutOfRange, "%d bytes at %x on %s", length, address, f.device.name)
	}
	return nil
}

func (f *Flash) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	if err := f.checkRange(c.Address, len(c.Data)); err != nil {
		return err
	}

	n, err := f.Write(ctx, uint32(c.Address), c.Data)
	if err != nil {
		return errors.Wrapf(err, "chunk %d", c.Index)
	}
	if n != len(c.Data) {
		return transfer.ShortWriteError("flash write", len(c.Data), n)
	}
	return nil
}

func (f *Flash) ReadBack(ctx context.Context, address uint64, buf []byte) error {
	if err := f.checkRange(address, len(buf)); err != nil {
		return err
	}

	n, err := f.Read(ctx, uint32(address), buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return transfer.ShortReadError("flash read", len(buf), n)
	}
	return nil
}

/* Config describes how to program the detected chip: page sized chunks,
 * erase only the touched blocks and read everything back */
func (f *Flash) Config() session.Config {
	return session.Config{
		MaxChunkSize:      f.device.pageSize,
		PageSize:          f.device.pageSize,
		MaxSize:           int(f.device.chipSize),
		ChecksumAlgorithm: checksum.Crc32,
		ChecksumSeed:      checksum.Crc32.DefaultSeed(),
		EraseMode:         session.EraseSectors,
		SectorSize:        f.device.blockSize,
		RetryMax:          3,
		RetryDelay:        10 * time.Millisecond,
		VerifyMode:        session.VerifyReadback,
	}
}
