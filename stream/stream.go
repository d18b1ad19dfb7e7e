package stream

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/transfer"
)

const HeaderSize = 8

/* Device pushes chunks down a plain pipe, as many bootloaders behind a
 * bulk endpoint take them. Every layout setting comes from the session
 * configuration. */
type Device struct {
	ch transfer.Channel

	/* Precede every chunk with its address and length, both as little
	 * endian 32 bit words */
	Header bool

	Timeout time.Duration
	LogFunc func(format string, params ...any)
}

func New(ch transfer.Channel) *Device {
	return &Device{
		ch:      ch,
		Timeout: 3 * time.Second,
	}
}

func (d *Device) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

func (d *Device) frame(c chunk.Chunk) []byte {
	if !d.Header {
		return c.Data
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(c.Data))
	binary.LittleEndian.PutUint32(buf, uint32(c.Address))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(c.Data)))
	return append(buf, c.Data...)
}

/* WriteChunk splits the chunk into transfers that fit the channel */
func (d *Device) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	buf := d.frame(c)
	max := d.ch.MaxPayload()

	for len(buf) > 0 {
		n := len(buf)
		if max > 0 && n > max {
			n = max
		}
		if err := d.ch.Write(ctx, buf[:n], d.Timeout); err != nil {
			return errors.Wrapf(err, "chunk %d @%#x", c.Index, c.Address)
		}
		buf = buf[n:]
	}

	d.log("chunk %d @%#x sent", c.Index, c.Address)
	return nil
}

func (d *Device) Close() error {
	return d.ch.Close()
}

var _ session.Device = (*Device)(nil)
