package checksum

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Algorithm int

const (
	Crc16Ccitt Algorithm = iota
	Crc32
	Xor8
	Sum16
	Sum8Carry
	Sum16W
)

var ErrorUnknownAlgorithm = errors.New("unknown checksum algorithm")

var algorithmNames = map[Algorithm]string{
	Crc16Ccitt: "crc16",
	Crc32:      "crc32",
	Xor8:       "xor8",
	Sum16:      "sum16",
	Sum8Carry:  "sum8",
	Sum16W:     "sum16w",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

/* Width returns the size of the checksum value in bits */
func (a Algorithm) Width() int {
	switch a {
	case Crc32:
		return 32
	case Crc16Ccitt, Sum16, Sum16W:
		return 16
	default:
		return 8
	}
}

func (a Algorithm) mask() uint32 {
	if a.Width() == 32 {
		return 0xffffffff
	}
	return 1<<a.Width() - 1
}

/* DefaultSeed is the register value the common variant of each algorithm starts from */
func (a Algorithm) DefaultSeed() uint32 {
	switch a {
	case Crc16Ccitt:
		return 0xffff
	case Crc32:
		return 0xffffffff
	default:
		return 0
	}
}

func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, m := range algorithmNames {
		if m == name {
			return a, nil
		}
	}

	/* Accept a few well known aliases */
	switch name {
	case "crc16-ccitt", "ccitt", "xmodem":
		return Crc16Ccitt, nil
	case "xor8+1":
		return Xor8, nil
	case "sum8-carry":
		return Sum8Carry, nil
	}

	return 0, errors.Wrapf(ErrorUnknownAlgorithm, "%q", name)
}

/* Engine accumulates a checksum over successive buffers. Feeding the same
 * bytes split differently yields the same value. */
type Engine struct {
	alg  Algorithm
	seed uint32

	crc *crcState

	acc     uint32
	pending int
}

func New(alg Algorithm, seed uint32) *Engine {
	e := &Engine{alg: alg}
	e.Reset(seed)
	return e
}

func (e *Engine) Algorithm() Algorithm {
	return e.alg
}

func (e *Engine) Seed() uint32 {
	return e.seed
}

/* Reset restarts the accumulation from seed */
func (e *Engine) Reset(seed uint32) {
	e.seed = seed & e.alg.mask()
	e.acc = e.seed
	e.pending = -1

	switch e.alg {
	case Crc16Ccitt, Crc32:
		e.crc = newCrcState(e.alg, e.seed)
	default:
		e.crc = nil
	}
}

func (e *Engine) Update(data []byte) {
	switch e.alg {
	case Crc16Ccitt, Crc32:
		e.crc.update(data)

	case Xor8:
		for _, m := range data {
			e.acc ^= uint32(m)
		}

	case Sum16, Sum8Carry:
		for _, m := range data {
			e.acc += uint32(m)
		}
		e.acc &= e.alg.mask()

	case Sum16W:
		/* Words are big endian and may straddle two updates */
		for _, m := range data {
			if e.pending < 0 {
				e.pending = int(m)
				continue
			}
			e.acc += uint32(e.pending)<<8 | uint32(m)
			e.pending = -1
		}
		e.acc &= 0xffff
	}
}

/* Value returns the checksum of everything seen since the last reset. It does
 * not modify the engine state. */
func (e *Engine) Value() uint32 {
	switch e.alg {
	case Crc16Ccitt, Crc32:
		return e.crc.value()

	case Xor8:
		return (e.acc + 1) & 0xff

	case Sum8Carry:
		return (^e.acc + 1) & 0xff

	case Sum16W:
		if e.pending >= 0 {
			return (e.acc + uint32(e.pending)<<8) & 0xffff
		}
		return e.acc
	}

	return e.acc
}

/* Sum computes the checksum of data in one go */
func Sum(alg Algorithm, seed uint32, data []byte) uint32 {
	e := New(alg, seed)
	e.Update(data)
	return e.Value()
}
