package checksum

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/snksoft/crc"
)

type tableKey struct {
	alg  Algorithm
	seed uint32
}

/* Sessions reset the engine after every window, building the table each
 * time would dominate small transfers */
var tableCache *lru.Cache

func init() {
	var err error
	tableCache, err = lru.New(32)
	if err != nil {
		panic(err)
	}
}

func crcParameters(alg Algorithm, seed uint32) crc.Parameters {
	var params crc.Parameters

	switch alg {
	case Crc16Ccitt:
		/* Polynomial 0x1021 fed MSB first, no final xor */
		params = *crc.XMODEM
	case Crc32:
		params = *crc.CRC32
	}

	params.Init = uint64(seed)
	return params
}

func crcTable(alg Algorithm, seed uint32) *crc.Table {
	key := tableKey{alg: alg, seed: seed}
	if t, ok := tableCache.Get(key); ok {
		return t.(*crc.Table)
	}

	params := crcParameters(alg, seed)
	t := crc.NewTable(&params)
	tableCache.Add(key, t)
	return t
}

type crcState struct {
	alg  Algorithm
	hash *crc.Hash
}

func newCrcState(alg Algorithm, seed uint32) *crcState {
	return &crcState{
		alg:  alg,
		hash: crc.NewHashWithTable(crcTable(alg, seed)),
	}
}

func (c *crcState) update(data []byte) {
	c.hash.Update(data)
}

func (c *crcState) value() uint32 {
	if c.alg == Crc16Ccitt {
		return uint32(c.hash.CRC16())
	}
	return c.hash.CRC32()
}
