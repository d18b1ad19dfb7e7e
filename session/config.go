package session

import (
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
)

type EraseMode int

const (
	EraseNone EraseMode = iota
	EraseChip
	EraseSectors
)

type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifyReadback
	VerifyChecksum
	VerifyStatus
)

type Weights struct {
	Erase  int
	Write  int
	Verify int
	Reset  int
}

var DefaultWeights = Weights{Erase: 10, Write: 80, Verify: 5, Reset: 5}

type Config struct {
	MaxChunkSize uint32
	PageSize     uint32

	/* Regions, when set, replace the blob address for chunk addressing */
	Regions []chunk.Region

	/* Flash only this named sub image of the blob */
	Image string

	MinSize int
	MaxSize int

	ChecksumAlgorithm checksum.Algorithm
	ChecksumSeed      uint32

	/* Send the running checksum to the device after every ChecksumWindow
	 * written chunks and restart it from the seed. Zero disables this. */
	ChecksumWindow uint32

	EraseMode       EraseMode
	SectorSize      uint32
	EraseSectors    []uint32
	SkipFirstSector bool

	SkipChunks     []uint32
	DeferredChunks []uint32

	RetryMax   int
	RetryDelay time.Duration
	ChunkDelay time.Duration

	StatusEvery      uint32
	StatusRetryMax   int
	StatusRetryDelay time.Duration

	ResendOnChecksumMismatch bool

	VerifyMode     VerifyMode
	RequiresReplug bool

	Weights Weights
}

var ErrorInvalidConfig = errors.New("invalid flash configuration")

func (c *Config) Validate() error {
	if c.MaxChunkSize == 0 {
		return errors.Wrap(ErrorInvalidConfig, "chunk size is zero")
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return errors.Wrapf(ErrorInvalidConfig, "page size %d is not a power of two", c.PageSize)
	}
	if c.MinSize > 0 && c.MaxSize > 0 && c.MinSize > c.MaxSize {
		return errors.Wrapf(ErrorInvalidConfig, "minimum size %#x above maximum %#x", c.MinSize, c.MaxSize)
	}
	if (c.EraseMode == EraseSectors || c.SkipFirstSector) && c.SectorSize == 0 {
		return errors.Wrap(ErrorInvalidConfig, "sector size is required")
	}
	if c.StatusEvery > 0 && c.StatusRetryMax < 1 {
		return errors.Wrap(ErrorInvalidConfig, "status polling needs at least one attempt")
	}
	return nil
}

func (c *Config) retryMax() int {
	if c.RetryMax < 1 {
		return 1
	}
	return c.RetryMax
}

func (c *Config) weights() Weights {
	if c.Weights == (Weights{}) {
		return DefaultWeights
	}
	return c.Weights
}
