package algoltek

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

var hubCrc = crc16.MakeTable(crc16.Params{Poly: 0x1021, Init: AUXCrcSeed, Name: "algoltek"})

/* hub emulates the MST hub mailbox. It checks serial numbers, window flags
 * and the CRC16 of every window on its own. */
type hub struct {
	t *testing.T

	booted bool
	erased bool

	ram   []byte
	flash []byte

	ispSerial uint16
	ispCrc    uint16
	ispCrcs   int

	serial     uint16
	crc        uint16
	crcs       int
	count      int
	windowEnds []int
	dummies    int

	version []byte
	reads   int
}

func newHub(t *testing.T) *hub {
	version := make([]byte, 64)
	copy(version, []byte{0x00, cmdRDV, 'A', 'G', 'M', '_', '2', '.', '1', '_', '7', '_', 'x'})

	return &hub{
		t:       t,
		serial:  1,
		ispCrc:  crc16.Init(hubCrc),
		crc:     crc16.Init(hubCrc),
		version: version,
	}
}

func (h *hub) dataPacket(pkt []byte) {
	serial := binary.BigEndian.Uint16(pkt[2:])
	data := pkt[6:]

	switch pkt[5] {
	case cmdISP:
		require.False(h.t, h.booted)
		require.Equal(h.t, []byte{11, 11}, []byte{pkt[1], pkt[4]})
		require.Equal(h.t, h.ispSerial, serial)
		h.ispSerial++
		h.ispCrc = crc16.Update(h.ispCrc, data, hubCrc)
		h.ram = append(h.ram, data...)

	case cmdWRF:
		require.True(h.t, h.erased, "write before erase")
		require.Equal(h.t, h.serial, serial)
		require.Equal(h.t, byte(10), pkt[4])
		if pkt[1]&flagWindowEnd != 0 {
			h.windowEnds = append(h.windowEnds, h.count)
		}
		require.Equal(h.t, byte(11), pkt[1]&^flagWindowEnd)

		h.serial++
		h.count++
		h.crc = crc16.Update(h.crc, data, hubCrc)
		h.flash = append(h.flash, data...)

	default:
		h.t.Fatalf("unexpected data command %02x", pkt[5])
	}
}

func (h *hub) crcPacket(pkt []byte) {
	serial := binary.BigEndian.Uint16(pkt[2:])
	crc := binary.BigEndian.Uint16(pkt[6:])
	require.Equal(h.t, byte(cmdISP), pkt[5])

	if !h.booted {
		require.Equal(h.t, []byte{8 | flagCrc, 8}, []byte{pkt[1], pkt[4]})
		require.Equal(h.t, h.ispSerial, serial)
		require.Equal(h.t, crc16.Complete(h.ispCrc, hubCrc), crc, "isp window crc")
		h.ispSerial++
		h.ispCrcs++
		h.ispCrc = crc16.Init(hubCrc)
		return
	}

	require.Equal(h.t, []byte{5 | flagCrc, 4}, []byte{pkt[1], pkt[4]})
	require.Equal(h.t, h.serial, serial)
	require.Equal(h.t, crc16.Complete(h.crc, hubCrc), crc, "flash window crc")
	h.serial++
	h.crcs++
	h.crc = crc16.Init(hubCrc)
}

func (h *hub) Write(ctx context.Context, pkt []byte, timeout time.Duration) error {
	require.LessOrEqual(h.t, len(pkt), 16)
	require.Equal(h.t, byte(i2cAddress), pkt[0])

	switch {
	case len(pkt) == dataPacketSize:
		h.dataPacket(pkt)
	case len(pkt) == 8 && pkt[1]&flagCrc != 0:
		h.crcPacket(pkt)
	case len(pkt) == 8:
		/* EN, RST and WRR are only accepted before the loader runs */
		require.False(h.t, h.booted)
	case bytes.Equal(pkt, dummyPacket()):
		h.dummies++
	case pkt[3] == cmdRDV:
	case pkt[3] == cmdBOT:
		require.Equal(h.t, uint16(ISPAddress), binary.BigEndian.Uint16(pkt[4:]))
		h.booted = true
	case pkt[3] == cmdERS:
		require.True(h.t, h.booted)
		h.erased = true
	default:
		h.t.Fatalf("unexpected packet % x", pkt)
	}
	return nil
}

func (h *hub) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	n := copy(buf, h.version[16*h.reads:])
	h.reads++
	return n, nil
}

func (h *hub) MaxPayload() int {
	return 16
}

func (h *hub) Close() error {
	return nil
}

func TestAUXVersion(t *testing.T) {
	d := NewAUX(newHub(t))
	d.Sleep = noSleep

	v, err := d.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.1_7", v)
}

func TestAUXWriteFirmware(t *testing.T) {
	isp := make([]byte, 40*AUXChunkSize)
	payload := make([]byte, 100*AUXChunkSize)
	for i := range isp {
		isp[i] = byte(i*5 + 1)
	}
	for i := range payload {
		payload[i] = byte(i*11 + i>>4)
	}

	blob, err := AUXFirmware(append(append([]byte(nil), isp...), payload...), len(isp))
	require.NoError(t, err)

	h := newHub(t)
	d := NewAUX(h)
	var slept time.Duration
	d.Sleep = func(ctx context.Context, dur time.Duration) error {
		slept += dur
		return nil
	}

	s := session.New(d, session.WithSleep(noSleep))
	outcome, err := WriteFirmware(context.Background(), s, d, blob, d.Config())
	require.NoError(t, err)
	assert.Equal(t, session.RequiresReplug, outcome)

	assert.Equal(t, isp, h.ram)
	assert.Equal(t, 1, h.ispCrcs)
	assert.Equal(t, uint16(40+1), h.ispSerial)

	assert.Equal(t, payload, h.flash)
	assert.Equal(t, 3, h.crcs)
	assert.Equal(t, uint16(1+100+3), h.serial)
	assert.Equal(t, []int{31, 63, 95}, h.windowEnds)
	assert.Equal(t, 100+3, h.dummies)

	assert.Greater(t, slept, 9500*time.Millisecond)
}

func TestAUXPartialChunks(t *testing.T) {
	/* Both images end four bytes into the last chunk of a window */
	isp := bytes.Repeat([]byte{0xa5, 0x3c, 0x0f}, 84)
	payload := bytes.Repeat([]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}, 42)
	require.Len(t, isp, 252)
	require.Len(t, payload, 252)

	blob, err := AUXFirmware(append(append([]byte(nil), isp...), payload...), len(isp))
	require.NoError(t, err)

	h := newHub(t)
	d := NewAUX(h)
	d.Sleep = noSleep

	s := session.New(d, session.WithSleep(noSleep))
	_, err = WriteFirmware(context.Background(), s, d, blob, d.Config())
	require.NoError(t, err)

	zeroes := make([]byte, 4)
	assert.Equal(t, append(append([]byte(nil), isp...), zeroes...), h.ram)
	assert.Equal(t, append(append([]byte(nil), payload...), zeroes...), h.flash)
	assert.Equal(t, 1, h.ispCrcs)
	assert.Equal(t, 1, h.crcs)
	assert.Equal(t, []int{31}, h.windowEnds)
}

func TestAUXShortChunkRejected(t *testing.T) {
	h := newHub(t)
	d := NewAUX(h)
	d.Sleep = noSleep

	blob, err := Firmware(make([]byte, 3*AUXChunkSize+4), AUXChunkSize)
	require.NoError(t, err)

	s := session.New(d, session.WithSleep(noSleep))
	_, err = WriteFirmware(context.Background(), s, d, blob, d.Config())

	kind, ok := transfer.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, transfer.KindProtocolViolation, kind)
	assert.Len(t, h.flash, 2*AUXChunkSize)
}

func TestAUXPayloadTooLarge(t *testing.T) {
	h := newHub(t)
	d := NewAUX(h)
	d.Sleep = noSleep

	blob, err := Firmware(make([]byte, 2*AUXChunkSize), AUXChunkSize)
	require.NoError(t, err)

	/* The size is checked before anything reaches the mailbox */
	cfg := d.Config()
	cfg.MaxSize = AUXChunkSize / 2
	_, err = session.New(d).WriteFirmware(context.Background(), blob, cfg)

	var invalid *session.InvalidFirmwareError
	require.ErrorAs(t, err, &invalid)
	assert.False(t, h.booted)
}
