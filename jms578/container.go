package jms578

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
)

/* Container layout. The first 0x400 bytes hold two metadata blocks, the code
 * follows and a flash image carries a trailing NVRAM block. */
const (
	headerSize = 0x200
	metaSize   = 0x200
	codeOffset = headerSize + metaSize
	codeEnd    = 0xc400
	nvramSize  = 0x200

	RAMSize   = codeEnd
	FlashSize = codeEnd + nvramSize

	/* Code area usable by Build, the last 8 bytes carry CRCs */
	MaxCode = codeEnd - codeOffset - 8

	magicChip  = 0x152d0579
	magicFlash = 0x03030505
	magicRAM   = 0x04040606
	magicMeta  = 0x5ac369e1

	/* CRC of the zeroed second metadata block, removed from the full CRC */
	zeroMetaCompensation = 0x7da476e9
)

var (
	ErrorInvalidLength = errors.New("container length not valid")
	ErrorInvalidHeader = errors.New("header is not valid")
	ErrorInvalidCRC    = errors.New("CRC is not valid")
	ErrorTooLarge      = errors.New("section does not fit in the container")
	ErrorRAMImage      = errors.New("RAM images cannot be written to flash")
)

type Kind int

const (
	KindFlash Kind = iota
	KindRAM
)

func (k Kind) String() string {
	if k == KindRAM {
		return "ram"
	}
	return "flash"
}

func makeHeader(fw []byte, kind Kind) {
	fw[0] = 1
	fw[1] = 0
	binary.BigEndian.PutUint32(fw[2:], magicChip)

	if kind == KindRAM {
		binary.BigEndian.PutUint32(fw[6:], magicRAM)
	} else {
		binary.BigEndian.PutUint32(fw[6:], magicFlash)
	}

	copy(fw[10:], []byte("JMicron JMS579"))
}

func checksums(fw []byte, kind Kind, update bool) bool {
	valid := true

	if kind == KindRAM {
		valid = crcTrailer(fw[0:headerSize-4], valid, update)
	}
	valid = crcTrailer(fw[0:headerSize], valid, update)

	valid = crcTrailer(fw[codeOffset:codeEnd-4], valid, update)

	if kind == KindRAM {
		valid = crcTrailer(fw[:codeOffset], valid, update)
		return crcTrailer(fw[:codeEnd], valid, update)
	}

	/* The full CRC is computed over a copy with the second metadata block
	 * zeroed, because that block stores the result */
	work := make([]byte, codeEnd)
	copy(work, fw)
	for i := headerSize; i < codeOffset; i++ {
		work[i] = 0
	}

	full := crcBlock(work[:codeEnd-4]) ^ zeroMetaCompensation

	valid = crcField(fw[codeEnd-4:], full, valid, update)
	valid = crcField(fw[headerSize+8:], full, valid, update)
	return crcTrailer(fw[0:codeOffset], valid, update)
}

/* Validate checks length, header and all CRCs of a container */
func Validate(fw []byte, kind Kind) error {
	if kind == KindRAM && len(fw) != RAMSize {
		return errors.Wrapf(ErrorInvalidLength, "%#x bytes", len(fw))
	}
	if kind == KindFlash && len(fw) != RAMSize && len(fw) != FlashSize {
		return errors.Wrapf(ErrorInvalidLength, "%#x bytes", len(fw))
	}

	var hdr [0x18]byte
	makeHeader(hdr[:], kind)

	if !bytes.Equal(hdr[:], fw[:len(hdr)]) {
		return ErrorInvalidHeader
	}

	if !checksums(fw, kind, false) {
		return ErrorInvalidCRC
	}

	return nil
}

/* KindOf reads the container type from the header */
func KindOf(fw []byte) (Kind, error) {
	if len(fw) < 10 {
		return KindFlash, errors.Wrapf(ErrorInvalidLength, "%#x bytes", len(fw))
	}
	if binary.BigEndian.Uint32(fw[6:]) == magicRAM {
		return KindRAM, nil
	}
	return KindFlash, nil
}

/* Build wraps code and nvram in a container with valid CRCs */
func Build(code []byte, nvram []byte, kind Kind) ([]byte, error) {
	if len(code) > MaxCode {
		return nil, errors.Wrapf(ErrorTooLarge, "code is %#x bytes", len(code))
	}
	if len(nvram) > nvramSize || (kind == KindRAM && len(nvram) > 0) {
		return nil, errors.Wrapf(ErrorTooLarge, "nvram is %#x bytes", len(nvram))
	}

	length := RAMSize
	if kind == KindFlash {
		length = FlashSize
	}

	fw := make([]byte, length)
	for i := headerSize; i < len(fw); i++ {
		fw[i] = 0xff
	}

	makeHeader(fw, kind)

	/* The vendor tool only accepts images that carry a version */
	fw[0x18] = 1
	copy(fw[0x19:], []byte("0103"))

	binary.BigEndian.PutUint32(fw[headerSize:], magicMeta)

	copy(fw[codeOffset:], code)
	checksums(fw, kind, true)

	if kind == KindFlash {
		copy(fw[codeEnd:], nvram)
	}

	return fw, nil
}

/* Extract returns the code and nvram sections of a valid container */
func Extract(fw []byte) ([]byte, []byte, Kind, error) {
	kind, err := KindOf(fw)
	if err != nil {
		return nil, nil, kind, err
	}
	if err := Validate(fw, kind); err != nil {
		return nil, nil, kind, err
	}

	return fw[codeOffset : codeEnd-8], fw[codeEnd:], kind, nil
}

/* Regions maps the container onto the SPI flash. The metadata blocks swap
 * places and the code starts at the second 4K sector. */
func Regions(length int) []chunk.Region {
	regions := []chunk.Region{
		{Name: "header", Offset: 0, Size: headerSize, Address: 0x0e00},
		{Name: "meta", Offset: headerSize, Size: metaSize, Address: 0x0000},
		{Name: "code", Offset: codeOffset, Size: codeEnd - codeOffset, Address: 0x1000},
	}
	if length > codeEnd {
		regions = append(regions, chunk.Region{Name: "nvram", Offset: codeEnd, Size: length - codeEnd, Address: 0xd000})
	}
	return regions
}

/* Load validates a flash container and wraps it in a blob whose sub images
 * are the regions */
func Load(fw []byte) (*image.Blob, error) {
	kind, err := KindOf(fw)
	if err != nil {
		return nil, err
	}
	if kind == KindRAM {
		return nil, ErrorRAMImage
	}
	if err := Validate(fw, kind); err != nil {
		return nil, err
	}

	var images []image.Image
	for _, m := range Regions(len(fw)) {
		images = append(images, image.Image{ID: m.Name, Offset: m.Offset, Size: m.Size, Address: m.Address})
	}

	return image.New(fw, 0, images...)
}
