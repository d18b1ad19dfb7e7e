package jms578

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

/* simBridge answers XDATA commands and runs SPI transactions against an
 * in memory flash chip */
type simBridge struct {
	xdata [0x10000]byte

	spiOut  []byte
	spiIn   int
	pending int

	flash []byte
	wel   bool

	commands int
	resets   int
	reopens  int
}

func newSimBridge() *simBridge {
	return &simBridge{
		flash: bytes.Repeat([]byte{0xff}, 256*1024),
	}
}

func (s *simBridge) runSPI() {
	out := s.spiOut
	in := make([]byte, s.spiIn)
	addr := func() uint32 {
		return binary.BigEndian.Uint32(out[:4]) & 0xffffff
	}

	switch out[0] {
	case 0x9f:
		copy(in, []byte{0xef, 0x30, 0x12})
	case 0x06:
		s.wel = true
	case 0x05:
		in[0] = 0
	case 0xc7:
		if s.wel {
			copy(s.flash, bytes.Repeat([]byte{0xff}, len(s.flash)))
		}
		s.wel = false
	case 0x02:
		if s.wel {
			a := addr()
			for i, m := range out[4:] {
				s.flash[a+uint32(i)] &= m
			}
		}
		s.wel = false
	case 0x03:
		copy(in, s.flash[addr():])
	}

	copy(s.xdata[regSPIResult:], in)
	s.spiOut = nil
	s.spiIn = 0
	s.pending = 2
}

func (s *simBridge) Read(ctx context.Context, cmd []byte, data []byte) (int, error) {
	s.commands++

	switch {
	case cmd[0] == 0xe0 && cmd[1] == 0xf4:
		binary.BigEndian.PutUint32(data[12:], 0x00010203)
		return len(data), nil

	case cmd[0] == 0xdf && cmd[11] == 0xfd:
		offset := binary.BigEndian.Uint16(cmd[6:])

		if offset == regSPIStart && s.pending > 0 {
			s.pending--
			data[0] = 1
			return 1, nil
		}
		return copy(data, s.xdata[offset:]), nil
	}
	return 0, transfer.ProtocolError("sim", "command %02x", cmd[0])
}

func (s *simBridge) Write(ctx context.Context, cmd []byte, data []byte) error {
	s.commands++

	switch {
	case cmd[0] == 0xff:
		s.resets++
		return nil

	case cmd[0] == 0xdf && cmd[11] == 0xfe:
		offset := binary.BigEndian.Uint16(cmd[6:])
		for i, m := range data {
			switch reg := offset + uint16(i); reg {
			case regSPIOut:
				s.spiOut = append(s.spiOut, m)
			case regSPIIn:
				s.spiIn++
			case regSPIStart:
				s.runSPI()
			default:
				s.xdata[reg] = m
			}
		}
		return nil
	}
	return transfer.ProtocolError("sim", "command %02x", cmd[0])
}

func (s *simBridge) Reopen(ctx context.Context) error {
	s.reopens++
	return nil
}

func TestXDATA(t *testing.T) {
	sim := newSimBridge()
	b := NewBridge(sim)
	ctx := context.Background()

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := b.XDATAWrite(ctx, 0x3000, data)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	assert.Equal(t, 3, sim.commands)

	buf := make([]byte, 600)
	_, err = b.XDATARead(ctx, 0x3000, buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	/* Accesses stop at the end of the address space */
	n, err = b.XDATARead(ctx, 0xfff0, buf)
	require.NoError(t, err)
	assert.Equal(t, 0x10, n)
}

func TestSPILimit(t *testing.T) {
	b := NewBridge(newSimBridge())
	err := b.SPI(context.Background(), make([]byte, 4), make([]byte, 13))
	assert.ErrorIs(t, err, ErrorSPIViolated)
}

func TestWriteFirmware(t *testing.T) {
	sim := newSimBridge()
	sim.flash[0x20000] = 0x42

	code := make([]byte, MaxCode)
	for i := range code {
		code[i] = byte(i * 13)
	}
	nvram := bytes.Repeat([]byte{0x5a}, nvramSize)

	fw, err := Build(code, nvram, KindFlash)
	require.NoError(t, err)

	d := New(sim)
	outcome, err := WriteFirmware(context.Background(), session.New(d), fw)
	require.NoError(t, err)
	assert.Equal(t, session.Done, outcome)

	assert.Equal(t, fw[0:0x200], sim.flash[0x0e00:0x1000])
	assert.Equal(t, fw[0x200:0x400], sim.flash[0x0000:0x0200])
	assert.Equal(t, fw[0x400:0xc400], sim.flash[0x1000:0xd000])
	assert.Equal(t, nvram, sim.flash[0xd000:0xd200])

	/* Chip erase clears everything else */
	assert.Equal(t, byte(0xff), sim.flash[0x20000])

	assert.Equal(t, 1, sim.resets)
	assert.Equal(t, 1, sim.reopens)
}

func TestReadFirmware(t *testing.T) {
	sim := newSimBridge()
	fw, err := Build([]byte{1, 2, 3, 4}, nil, KindFlash)
	require.NoError(t, err)

	for _, m := range Regions(len(fw)) {
		copy(sim.flash[m.Address:], fw[m.Offset:m.Offset+m.Size])
	}

	d := New(sim)
	require.NoError(t, d.Open(context.Background()))

	rb, err := d.ReadFirmware(context.Background(), len(fw))
	require.NoError(t, err)
	assert.Equal(t, fw, rb)
	assert.NoError(t, Validate(rb, KindFlash))
}

func TestInvalidContainer(t *testing.T) {
	sim := newSimBridge()

	fw, err := Build(nil, nil, KindFlash)
	require.NoError(t, err)
	fw[0x2000]++

	_, err = WriteFirmware(context.Background(), session.New(New(sim)), fw)
	var invalid *session.InvalidFirmwareError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, ErrorInvalidCRC)
	assert.Zero(t, sim.commands)
}
