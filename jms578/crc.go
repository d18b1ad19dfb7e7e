package jms578

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	params := crc.CRC32
	params.FinalXor = 0
	params.ReflectOut = false
	crcTable = crc.NewTable(params)
}

/* The boot ROM feeds the CRC engine little endian words, so every group of
 * four bytes goes in reversed. len(data) must be a multiple of 4. */
func crcBlock(data []byte) uint32 {
	h := crc.NewHashWithTable(crcTable)

	var word [4]byte
	for i := 0; i+4 <= len(data); i += 4 {
		word[0] = data[i+3]
		word[1] = data[i+2]
		word[2] = data[i+1]
		word[3] = data[i+0]
		h.Update(word[:])
	}

	return h.CRC32()
}

/* crcField compares the value stored in field with value, optionally
 * overwriting it. It returns valid && field matched. */
func crcField(field []byte, value uint32, valid bool, update bool) bool {
	stored := binary.BigEndian.Uint32(field)
	if update {
		binary.BigEndian.PutUint32(field, value)
	}
	return stored == value && valid
}

/* crcTrailer checks the CRC in the last four bytes of block */
func crcTrailer(block []byte, valid bool, update bool) bool {
	n := len(block) - 4
	return crcField(block[n:], crcBlock(block[:n]), valid, update)
}
