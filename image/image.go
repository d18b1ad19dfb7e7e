package image

import (
	"os"

	"github.com/pkg/errors"
)

var (
	ErrorInvalidLength = errors.New("image length not valid")
	ErrorImageNotFound = errors.New("image not found")
	ErrorImageBounds   = errors.New("image is outside of the blob")
)

/* Image is a named part of a blob that is written separately, for example the
 * ISP loader that has to run before the payload can be flashed */
type Image struct {
	ID      string
	Offset  int
	Size    int
	Address uint64
}

/* Blob is immutable once created, callers must not modify Bytes() */
type Blob struct {
	data    []byte
	address uint64
	images  []Image
}

func New(data []byte, address uint64, images ...Image) (*Blob, error) {
	for _, m := range images {
		if m.Offset < 0 || m.Size < 0 || m.Offset+m.Size > len(data) {
			return nil, errors.Wrapf(ErrorImageBounds, "image %q [%#x+%#x] in %#x bytes", m.ID, m.Offset, m.Size, len(data))
		}
	}

	b := &Blob{
		data:    make([]byte, len(data)),
		address: address,
		images:  append([]Image(nil), images...),
	}
	copy(b.data, data)

	return b, nil
}

func Load(path string, address uint64, images ...Image) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(data, address, images...)
}

func (b *Blob) Bytes() []byte {
	return b.data
}

func (b *Blob) Len() int {
	return len(b.data)
}

func (b *Blob) Address() uint64 {
	return b.address
}

func (b *Blob) Images() []Image {
	return append([]Image(nil), b.images...)
}

/* Image returns the named sub image as a blob of its own */
func (b *Blob) Image(id string) (*Blob, error) {
	for _, m := range b.images {
		if m.ID == id {
			return &Blob{
				data:    b.data[m.Offset : m.Offset+m.Size : m.Offset+m.Size],
				address: m.Address,
			}, nil
		}
	}
	return nil, errors.Wrapf(ErrorImageNotFound, "%q", id)
}

/* CheckSize validates the length, a bound of zero is not checked */
func (b *Blob) CheckSize(min int, max int) error {
	if min > 0 && len(b.data) < min {
		return errors.Wrapf(ErrorInvalidLength, "%#x bytes, need at least %#x", len(b.data), min)
	}
	if max > 0 && len(b.data) > max {
		return errors.Wrapf(ErrorInvalidLength, "%#x bytes, at most %#x allowed", len(b.data), max)
	}
	return nil
}
