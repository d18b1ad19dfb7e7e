package spiflash

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

/* simChip behaves like a small SPI NOR flash */
type simChip struct {
	id     []byte
	memory []byte

	wel      bool
	busy     int
	busyFor  int
	stuck    bool
	failProg bool

	programs  [][2]uint32
	erases    []uint32
	chipErase int
}

func newSimChip() *simChip {
	s := &simChip{
		id:      []byte{0xef, 0x30, 0x12, 0x00},
		memory:  bytes.Repeat([]byte{0xff}, 256*1024),
		busyFor: 2,
	}
	return s
}

func (s *simChip) bus(ctx context.Context, out []byte, in []byte) error {
	addr := func() uint32 {
		return binary.BigEndian.Uint32(out[:4]) & 0xffffff
	}

	switch out[0] {
	case 0x9F:
		copy(in, s.id)
	case 0x06:
		s.wel = true
	case 0x05:
		status := uint8(0)
		if s.stuck || s.busy > 0 {
			status |= 1
			s.busy--
		} else if s.failProg {
			status |= 1 << 5
		}
		in[0] = status
	case 0x02:
		if !s.wel {
			return nil
		}
		a := addr()
		s.programs = append(s.programs, [2]uint32{a, uint32(len(out) - 4)})
		for i, m := range out[4:] {
			s.memory[a+uint32(i)] &= m
		}
		s.wel = false
		s.busy = s.busyFor
	case 0x03:
		copy(in, s.memory[addr():])
	case 0x20:
		if !s.wel {
			return nil
		}
		a := addr() &^ 0xfff
		s.erases = append(s.erases, a)
		copy(s.memory[a:a+0x1000], bytes.Repeat([]byte{0xff}, 0x1000))
		s.wel = false
		s.busy = s.busyFor
	case 0xC7:
		if !s.wel {
			return nil
		}
		s.chipErase++
		copy(s.memory, bytes.Repeat([]byte{0xff}, len(s.memory)))
		s.wel = false
		s.busy = s.busyFor
	default:
		return transfer.ProtocolError("sim", "opcode %02x", out[0])
	}
	return nil
}

func newFlash(t *testing.T, s *simChip) *Flash {
	f, err := New(context.Background(), s.bus, 64)
	require.NoError(t, err)
	f.PollDelay = 0
	return f
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestDetect(t *testing.T) {
	f := newFlash(t, newSimChip())
	assert.Equal(t, "Winbond W25X20", f.Name())
	assert.Equal(t, uint32(256), f.PageSize())
	assert.Equal(t, uint32(256*1024), f.ChipSize())

	s := newSimChip()
	s.id = []byte{0x12, 0x34, 0x56, 0x78}
	_, err := New(context.Background(), s.bus, 64)
	kind, ok := transfer.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, transfer.KindProtocolViolation, kind)
}

func TestWritePages(t *testing.T) {
	s := newSimChip()
	f := newFlash(t, s)
	ctx := context.Background()

	data := pattern(600)
	n, err := f.Write(ctx, 0x80, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, s.memory[0x80:0x80+600])

	for _, m := range s.programs {
		assert.LessOrEqual(t, m[1], uint32(60))
		assert.Equal(t, m[0]/256, (m[0]+m[1]-1)/256, "program at %x crosses a page", m[0])
	}

	buf := make([]byte, 600)
	require.NoError(t, f.ReadBack(ctx, 0x80, buf))
	assert.Equal(t, data, buf)
}

func TestSkipErased(t *testing.T) {
	s := newSimChip()
	f := newFlash(t, s)

	data := bytes.Repeat([]byte{0xff}, 512)
	data[300] = 0x12

	require.NoError(t, f.WriteChunk(context.Background(), chunk.Chunk{Address: 0, Data: data}))
	require.Len(t, s.programs, 1)
	assert.Equal(t, [2]uint32{300, 1}, s.programs[0])
}

func TestOutOfRange(t *testing.T) {
	f := newFlash(t, newSimChip())
	err := f.WriteChunk(context.Background(), chunk.Chunk{Address: 256*1024 - 4, Data: make([]byte, 8)})
	assert.ErrorIs(t, err, chunk.ErrorOutOfRange)
}

func TestBusyTimeout(t *testing.T) {
	s := newSimChip()
	f := newFlash(t, s)
	f.EraseTimeout = time.Millisecond
	s.stuck = true

	err := f.EraseChip(context.Background())
	kind, ok := transfer.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, transfer.KindTimeout, kind)
}

func TestProgramFailed(t *testing.T) {
	s := newSimChip()
	f := newFlash(t, s)
	s.failProg = true

	_, err := f.Write(context.Background(), 0, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrorProgramFailed)
	assert.False(t, transfer.IsRetryable(err))
}

func TestWriteFirmware(t *testing.T) {
	s := newSimChip()
	f := newFlash(t, s)

	/* Old contents in a block the image does not touch must survive */
	s.memory[0x3000] = 0x55

	data := pattern(5000)
	blob, err := image.New(data, 0x1000)
	require.NoError(t, err)

	cfg := f.Config()
	outcome, err := session.New(f).WriteFirmware(context.Background(), blob, cfg)
	require.NoError(t, err)
	assert.Equal(t, session.Done, outcome)

	assert.Equal(t, []uint32{0x1000, 0x2000}, s.erases)
	assert.Zero(t, s.chipErase)
	assert.Equal(t, data, s.memory[0x1000:0x1000+5000])
	assert.Equal(t, byte(0x55), s.memory[0x3000])
}
