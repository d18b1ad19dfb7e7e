package session

import (
	"context"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
)

/* Device is the only capability a flashable device must have. The optional
 * ones below are discovered at runtime and used when the configuration asks
 * for them. */
type Device interface {
	WriteChunk(ctx context.Context, c chunk.Chunk) error
}

/* Opener is opened when the session begins and closed when it ends */
type Opener interface {
	Open(ctx context.Context) error
	Close() error
}

/* Enabler switches the device into update mode before erasing */
type Enabler interface {
	Enable(ctx context.Context) error
}

type ChipEraser interface {
	EraseChip(ctx context.Context) error
}

type SectorEraser interface {
	EraseSector(ctx context.Context, sector uint32, address uint64) error
}

type ChecksumSyncer interface {
	SyncChecksum(ctx context.Context, window uint32, value uint32) error
}

type StatusPoller interface {
	PollStatus(ctx context.Context) error
}

type Reader interface {
	ReadBack(ctx context.Context, address uint64, buf []byte) error
}

/* ChecksumVerifier hands the expected image checksum to the device and
 * returns what the device computed */
type ChecksumVerifier interface {
	VerifyChecksum(ctx context.Context, alg checksum.Algorithm, expected uint32) (uint32, error)
}

type StatusVerifier interface {
	VerifyStatus(ctx context.Context) error
}

/* Finisher resets the device into the new firmware */
type Finisher interface {
	Finish(ctx context.Context) error
}

type ReadyWaiter interface {
	WaitReady(ctx context.Context) error
}
