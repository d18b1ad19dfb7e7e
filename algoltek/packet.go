package algoltek

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/session"
)

const (
	cmdRDV = 0x05
	cmdRDR = 0x06
	cmdWRR = 0x07
	cmdEN  = 0x02
	cmdRST = 0x03
	cmdISP = 0x09
	cmdBOT = 0x0a
	cmdERS = 0x0b
	cmdWRF = 0x0c
)

const (
	ImageISP     = "isp"
	ImagePayload = "payload"

	/* The ISP loader runs from RAM at this address */
	ISPAddress = 0x6000
)

/* Registers cleared before the ISP loader is uploaded */
var ispPrepareRegisters = []uint16{0x80ad, 0x80c0, 0x80c9, 0x80d1, 0x80d9, 0x80e1, 0x80e9}

var (
	ErrorNoISP          = errors.New("no ISP loader set")
	ErrorUpdateFailed   = errors.New("device reported a failed update")
	ErrorVersionInvalid = errors.New("version reply not understood")
)

/* usbPacket is [len, cmd, payload..., checksum]. The checksum makes all
 * bytes of the packet sum to zero. */
func usbPacket(cmd byte, payload ...byte) []byte {
	pkt := make([]byte, 0, len(payload)+3)
	pkt = append(pkt, byte(len(payload)+3), cmd)
	pkt = append(pkt, payload...)
	return append(pkt, byte(checksum.Sum(checksum.Sum8Carry, 0, pkt)))
}

func be16(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

/* parseVersion extracts the version string of an RDV reply. Replies that
 * start with "AG" carry it between the first and the third underscore. */
func parseVersion(reply []byte) (string, error) {
	if len(reply) < 4 {
		return "", errors.Wrapf(ErrorVersionInvalid, "%d bytes", len(reply))
	}

	var out []byte
	if binary.BigEndian.Uint16(reply[2:]) == 0x4147 {
		underscores := 0
		for _, m := range reply[4:] {
			if m == '_' {
				underscores++
				if underscores == 1 {
					continue
				}
			}
			if underscores > 2 || m == 0 {
				break
			}
			if underscores > 0 {
				out = append(out, m)
			}
		}
	} else {
		for _, m := range reply[2:] {
			if m == 0 {
				break
			}
			if m < 128 {
				out = append(out, m)
			}
		}
	}

	if len(out) == 0 {
		return "", ErrorVersionInvalid
	}
	return string(bytes.TrimSpace(out)), nil
}

/* chunkWriter turns a function into the minimal session device */
type chunkWriter func(ctx context.Context, c chunk.Chunk) error

func (f chunkWriter) WriteChunk(ctx context.Context, c chunk.Chunk) error {
	return f(ctx, c)
}

/* Firmware splits an update file into the ISP loader and the payload that
 * it flashes */
func Firmware(data []byte, ispSize int) (*image.Blob, error) {
	if err := checkISPSize(data, ispSize); err != nil {
		return nil, err
	}

	return image.New(data, 0,
		image.Image{ID: ImageISP, Offset: 0, Size: ispSize, Address: ISPAddress},
		image.Image{ID: ImagePayload, Offset: ispSize, Size: len(data) - ispSize, Address: 0})
}

func checkISPSize(data []byte, ispSize int) error {
	if ispSize <= 0 || ispSize >= len(data) {
		return &session.InvalidFirmwareError{
			Reason: "isp",
			Err:    errors.Wrapf(image.ErrorInvalidLength, "isp of %#x bytes in %#x byte file", ispSize, len(data)),
		}
	}
	return nil
}

func padChunks(data []byte, size int) []byte {
	rem := len(data) % size
	if rem == 0 {
		return data
	}

	padded := make([]byte, len(data)+size-rem)
	copy(padded, data)
	return padded
}

type loader interface {
	session.Device
	SetISP(isp []byte)
}

/* WriteFirmware hands the ISP loader of the blob to the device and flashes
 * the payload. s must have been created for d. */
func WriteFirmware(ctx context.Context, s *session.Session, d loader, blob *image.Blob, cfg session.Config) (session.Outcome, error) {
	isp, err := blob.Image(ImageISP)
	if err != nil {
		return session.Done, &session.InvalidFirmwareError{Reason: "missing image", Err: err}
	}

	d.SetISP(isp.Bytes())
	return s.WriteFirmware(ctx, blob, cfg)
}
