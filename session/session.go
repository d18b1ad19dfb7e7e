package session

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/progress"
	"github.com/BertoldVdb/flashcore/retry"
	"github.com/BertoldVdb/flashcore/transfer"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseErase
	PhaseWrite
	PhaseVerify
	PhaseReset
	PhaseSuccess
	PhaseFailed
)

var phaseNames = [...]string{"init", "erase", "write", "verify", "reset", "success", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

/* Outcome of a successful session */
type Outcome int

const (
	Done Outcome = iota
	RequiresReplug
)

func (o Outcome) String() string {
	if o == RequiresReplug {
		return "requires replug"
	}
	return "done"
}

type Option func(s *Session)

func WithProgress(sink progress.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithLogFunc(f func(format string, params ...any)) Option {
	return func(s *Session) {
		s.logFunc = f
	}
}

/* WithSleep replaces every delay of the session, mostly useful in tests */
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) {
		s.sleep = f
	}
}

type Session struct {
	dev Device
	cfg Config

	sink    progress.Sink
	logFunc func(format string, params ...any)
	sleep   func(ctx context.Context, d time.Duration) error
	tracker *progress.Tracker

	begun  bool
	phase  Phase
	opened bool

	source  *chunk.Source
	sectors []uint32
	erased  map[uint32]bool
	skipped map[uint32]bool
	order   []uint32

	running     *checksum.Engine
	windowCount uint32
	windowIndex uint32

	/* Position in order of the next chunk to write */
	cursor   uint32
	imageSum uint32
}

func New(dev Device, opts ...Option) *Session {
	s := &Session{
		dev:   dev,
		sleep: transfer.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) log(format string, params ...any) {
	if s.logFunc != nil {
		s.logFunc(format, params...)
	}
}

func (s *Session) Phase() Phase {
	return s.phase
}

/* Checksum is the running value of the current window */
func (s *Session) Checksum() uint32 {
	if s.running == nil {
		return 0
	}
	return s.running.Value()
}

/* ImageChecksum covers the complete image in chunk order */
func (s *Session) ImageChecksum() uint32 {
	return s.imageSum
}

func (s *Session) Len() uint32 {
	if s.source == nil {
		return 0
	}
	return s.source.Len()
}

/* Order lists the chunk indices that will be written, in write order */
func (s *Session) Order() []uint32 {
	return append([]uint32(nil), s.order...)
}

func (s *Session) Progress() progress.Update {
	if s.tracker == nil {
		return progress.Update{}
	}
	return s.tracker.Last()
}

func (s *Session) fail(index int, address uint64, err error) error {
	fe := &FlashError{
		Phase:   s.phase,
		Chunk:   index,
		Address: address,
		Err:     err,
	}

	s.phase = PhaseFailed
	s.log("session failed: %v", fe)
	s.close()

	return fe
}

func (s *Session) close() {
	if !s.opened {
		return
	}
	s.opened = false

	if o, ok := s.dev.(Opener); ok {
		if err := o.Close(); err != nil {
			s.log("close failed: %v", err)
		}
	}
}

/* Phases advance one at a time and none can be skipped, a failed session
 * has to begin again. Only the write phase is entered once per chunk. */
func (s *Session) enter(p Phase) error {
	if !s.begun {
		return errors.Wrap(ErrorInvalidTransition, "session has not begun")
	}
	if s.phase == PhaseFailed {
		return ErrorFailed
	}
	if p == PhaseWrite && s.phase == PhaseWrite {
		return nil
	}
	if p != s.phase+1 {
		return errors.Wrapf(ErrorInvalidTransition, "%v -> %v", s.phase, p)
	}
	if s.phase == PhaseWrite && int(s.cursor) < len(s.order) {
		return errors.Wrapf(ErrorInvalidTransition, "%v -> %v with %d of %d chunks written", s.phase, p, s.cursor, len(s.order))
	}

	s.log("%v -> %v", s.phase, p)
	s.phase = p
	s.tracker.Begin(p.String(), s.stepTotal(p))
	return nil
}

func (s *Session) stepTotal(p Phase) int {
	switch p {
	case PhaseErase:
		if s.cfg.EraseMode == EraseSectors {
			return len(s.sectors)
		}
		return 1
	case PhaseWrite:
		return len(s.order)
	case PhaseVerify:
		if s.cfg.VerifyMode == VerifyReadback {
			return len(s.order)
		}
	}
	return 1
}

func (s *Session) policy() retry.Policy {
	p := retry.Fixed(s.cfg.retryMax(), s.cfg.RetryDelay)
	p.Sleep = s.sleep
	p.LogFunc = s.logFunc

	resend := s.cfg.ResendOnChecksumMismatch
	p.Retryable = func(err error) bool {
		return transfer.IsRetryable(err) || (resend && IsChecksumMismatch(err))
	}
	return p
}

func (s *Session) checkCapabilities() error {
	var ok bool

	switch s.cfg.EraseMode {
	case EraseChip:
		if _, ok = s.dev.(ChipEraser); !ok {
			return errors.Wrap(ErrorNotSupported, "chip erase")
		}
	case EraseSectors:
		if _, ok = s.dev.(SectorEraser); !ok {
			return errors.Wrap(ErrorNotSupported, "sector erase")
		}
	}

	switch s.cfg.VerifyMode {
	case VerifyReadback:
		if _, ok = s.dev.(Reader); !ok {
			return errors.Wrap(ErrorNotSupported, "readback")
		}
	case VerifyChecksum:
		if _, ok = s.dev.(ChecksumVerifier); !ok {
			return errors.Wrap(ErrorNotSupported, "checksum verification")
		}
	case VerifyStatus:
		if _, ok = s.dev.(StatusVerifier); !ok {
			return errors.Wrap(ErrorNotSupported, "status verification")
		}
	}

	if _, ok = s.dev.(ChecksumSyncer); s.cfg.ChecksumWindow > 0 && !ok {
		return errors.Wrap(ErrorNotSupported, "checksum window")
	}
	if _, ok = s.dev.(StatusPoller); s.cfg.StatusEvery > 0 && !ok {
		return errors.Wrap(ErrorNotSupported, "status polling")
	}

	return nil
}

/* Begin validates the firmware and prepares the device. It is also how a
 * failed session is restarted, everything starts over from the erase. */
func (s *Session) Begin(ctx context.Context, blob *image.Blob, cfg Config) error {
	if s.begun && s.phase != PhaseInit && s.phase != PhaseSuccess && s.phase != PhaseFailed {
		return errors.Wrapf(ErrorInvalidTransition, "begin while in %v", s.phase)
	}
	s.close()

	*s = Session{
		dev:     s.dev,
		cfg:     cfg,
		sink:    s.sink,
		logFunc: s.logFunc,
		sleep:   s.sleep,
		begun:   true,
		phase:   PhaseInit,
	}

	w := cfg.weights()
	s.tracker = progress.NewTracker(s.sink,
		progress.Step{Name: PhaseErase.String(), Weight: w.Erase},
		progress.Step{Name: PhaseWrite.String(), Weight: w.Write},
		progress.Step{Name: PhaseVerify.String(), Weight: w.Verify},
		progress.Step{Name: PhaseReset.String(), Weight: w.Reset})

	if err := cfg.Validate(); err != nil {
		return s.fail(-1, 0, err)
	}
	if err := s.checkCapabilities(); err != nil {
		return s.fail(-1, 0, err)
	}

	if cfg.Image != "" {
		sub, err := blob.Image(cfg.Image)
		if err != nil {
			return s.fail(-1, 0, &InvalidFirmwareError{Reason: "missing image", Err: err})
		}
		blob = sub
	}

	if err := blob.CheckSize(cfg.MinSize, cfg.MaxSize); err != nil {
		return s.fail(-1, 0, &InvalidFirmwareError{Reason: "size", Err: err})
	}

	var err error
	if len(cfg.Regions) > 0 {
		s.source, err = chunk.NewRegions(blob.Bytes(), cfg.Regions, cfg.PageSize, cfg.MaxChunkSize)
	} else {
		s.source, err = chunk.New(blob.Bytes(), blob.Address(), cfg.PageSize, cfg.MaxChunkSize)
	}
	if err != nil {
		return s.fail(-1, 0, err)
	}

	for _, list := range [][]uint32{cfg.SkipChunks, cfg.DeferredChunks} {
		for _, m := range list {
			if m >= s.source.Len() {
				return s.fail(int(m), 0, errors.Wrapf(chunk.ErrorOutOfRange, "chunk %d of %d", m, s.source.Len()))
			}
		}
	}

	if cfg.EraseMode == EraseSectors {
		if s.sectors, err = s.sectorList(); err != nil {
			return s.fail(-1, 0, err)
		}
	}
	if err := s.plan(); err != nil {
		return s.fail(-1, 0, err)
	}

	s.imageSum = checksum.Sum(cfg.ChecksumAlgorithm, cfg.ChecksumSeed, blob.Bytes())
	s.running = checksum.New(cfg.ChecksumAlgorithm, cfg.ChecksumSeed)

	s.log("%d bytes in %d chunks, %d to write, image checksum %#x", blob.Len(), s.source.Len(), len(s.order), s.imageSum)

	if o, ok := s.dev.(Opener); ok {
		if err := o.Open(ctx); err != nil {
			return s.fail(-1, 0, errors.Wrap(err, "open"))
		}
		s.opened = true
	}

	if e, ok := s.dev.(Enabler); ok {
		if err := e.Enable(ctx); err != nil {
			return s.fail(-1, 0, errors.Wrap(err, "enable"))
		}
	}

	return nil
}

func (s *Session) chunkSectors(c chunk.Chunk) (uint32, uint32) {
	size := uint64(s.cfg.SectorSize)
	last := c.Address
	if c.Size() > 0 {
		last += uint64(c.Size()) - 1
	}
	return uint32(c.Address / size), uint32(last / size)
}

/* sectorList returns the sectors to erase, all sectors touched by the image
 * unless the configuration names them */
func (s *Session) sectorList() ([]uint32, error) {
	seen := make(map[uint32]bool)
	if len(s.cfg.EraseSectors) > 0 {
		for _, m := range s.cfg.EraseSectors {
			seen[m] = true
		}
	} else {
		err := s.source.Each(func(c chunk.Chunk) error {
			first, last := s.chunkSectors(c)
			for m := first; m <= last; m++ {
				seen[m] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if s.cfg.SkipFirstSector {
		delete(seen, 0)
	}

	var result []uint32
	for m := range seen {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (s *Session) sectorSkipped(c chunk.Chunk) bool {
	if s.cfg.SectorSize == 0 {
		return false
	}

	first, last := s.chunkSectors(c)
	for m := first; m <= last; m++ {
		if s.cfg.SkipFirstSector && m == 0 {
			return true
		}
		if s.erased != nil && !s.erased[m] {
			return true
		}
	}
	return false
}

/* plan computes the write order, deferred chunks go last */
func (s *Session) plan() error {
	skip := make(map[uint32]bool)
	for _, m := range s.cfg.SkipChunks {
		skip[m] = true
	}
	deferred := make(map[uint32]bool)
	for _, m := range s.cfg.DeferredChunks {
		deferred[m] = true
	}

	s.skipped = make(map[uint32]bool)
	s.order = s.order[:0]

	err := s.source.Each(func(c chunk.Chunk) error {
		if skip[c.Index] || s.sectorSkipped(c) {
			s.skipped[c.Index] = true
		} else if !deferred[c.Index] {
			s.order = append(s.order, c.Index)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, m := range s.cfg.DeferredChunks {
		if !s.skipped[m] {
			s.order = append(s.order, m)
		}
	}
	return nil
}

func (s *Session) Erase(ctx context.Context) error {
	if err := s.enter(PhaseErase); err != nil {
		return err
	}

	p := s.policy()

	switch s.cfg.EraseMode {
	case EraseChip:
		eraser := s.dev.(ChipEraser)
		if err := p.Do(ctx, eraser.EraseChip); err != nil {
			return s.fail(-1, 0, errors.Wrap(err, "chip erase"))
		}
		s.tracker.StepDone()

	case EraseSectors:
		eraser := s.dev.(SectorEraser)
		s.erased = make(map[uint32]bool)

		for _, sector := range s.sectors {
			address := uint64(sector) * uint64(s.cfg.SectorSize)
			err := p.Do(ctx, func(ctx context.Context) error {
				return eraser.EraseSector(ctx, sector, address)
			})
			if err != nil {
				return s.fail(-1, address, errors.Wrapf(err, "sector %d", sector))
			}

			s.erased[sector] = true
			s.tracker.StepDone()
		}

		/* Sectors that were not erased are not written either */
		if err := s.plan(); err != nil {
			return s.fail(-1, 0, err)
		}
	}

	return nil
}

func (s *Session) WriteChunk(ctx context.Context, index uint32) error {
	if err := s.enter(PhaseWrite); err != nil {
		return err
	}

	c, err := s.source.Index(index)
	if err != nil {
		return s.fail(int(index), 0, err)
	}
	if s.skipped[index] {
		s.log("chunk %d @%#x is skipped", index, c.Address)
		return nil
	}
	if int(s.cursor) >= len(s.order) || s.order[s.cursor] != index {
		return errors.Wrapf(ErrorInvalidTransition, "chunk %d is out of order", index)
	}

	if err := s.policy().Do(ctx, func(ctx context.Context) error {
		return s.dev.WriteChunk(ctx, c)
	}); err != nil {
		return s.fail(int(index), c.Address, err)
	}

	s.running.Update(c.Data)
	s.windowCount++
	if window := s.cfg.ChecksumWindow; window > 0 && s.windowCount == window {
		syncer := s.dev.(ChecksumSyncer)
		if err := syncer.SyncChecksum(ctx, s.windowIndex, s.running.Value()); err != nil {
			return s.fail(int(index), c.Address, errors.Wrapf(err, "checksum window %d", s.windowIndex))
		}

		s.running.Reset(s.cfg.ChecksumSeed)
		s.windowCount = 0
		s.windowIndex++
	}

	s.cursor++
	if every := s.cfg.StatusEvery; every > 0 && (s.cursor%every == 0 || int(s.cursor) == len(s.order)) {
		poller := s.dev.(StatusPoller)
		if err := retry.Poll(ctx, s.cfg.StatusRetryMax, s.cfg.StatusRetryDelay, poller.PollStatus); err != nil {
			return s.fail(int(index), c.Address, errors.Wrap(err, "status"))
		}
	}

	if err := s.sleep(ctx, s.cfg.ChunkDelay); err != nil {
		return s.fail(int(index), c.Address, err)
	}

	s.tracker.Set(int(s.cursor))
	return nil
}

func (s *Session) WriteChunks(ctx context.Context) error {
	if err := s.enter(PhaseWrite); err != nil {
		return err
	}

	for int(s.cursor) < len(s.order) {
		if err := s.WriteChunk(ctx, s.order[s.cursor]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Verify(ctx context.Context) error {
	if err := s.enter(PhaseVerify); err != nil {
		return err
	}

	p := s.policy()
	alg, seed := s.cfg.ChecksumAlgorithm, s.cfg.ChecksumSeed

	switch s.cfg.VerifyMode {
	case VerifyReadback:
		reader := s.dev.(Reader)

		for k, m := range s.order {
			c, err := s.source.Index(m)
			if err != nil {
				return s.fail(int(m), 0, err)
			}
			buf := make([]byte, c.Size())

			if err := p.Do(ctx, func(ctx context.Context) error {
				return reader.ReadBack(ctx, c.Address, buf)
			}); err != nil {
				return s.fail(int(m), c.Address, err)
			}

			if !bytes.Equal(buf, c.Data) {
				return s.fail(int(m), c.Address, &ChecksumMismatchError{
					Address:  c.Address,
					Expected: checksum.Sum(alg, seed, c.Data),
					Actual:   checksum.Sum(alg, seed, buf),
				})
			}
			s.tracker.Set(k + 1)
		}

	case VerifyChecksum:
		verifier := s.dev.(ChecksumVerifier)

		actual, err := retry.Value(ctx, p, func(ctx context.Context) (uint32, error) {
			return verifier.VerifyChecksum(ctx, alg, s.imageSum)
		})
		if err != nil {
			return s.fail(-1, 0, err)
		}
		if actual != s.imageSum {
			return s.fail(-1, 0, &ChecksumMismatchError{Expected: s.imageSum, Actual: actual})
		}
		s.tracker.StepDone()

	case VerifyStatus:
		verifier := s.dev.(StatusVerifier)
		if err := p.Do(ctx, verifier.VerifyStatus); err != nil {
			return s.fail(-1, 0, err)
		}
		s.tracker.StepDone()
	}

	return nil
}

func (s *Session) Finish(ctx context.Context) (Outcome, error) {
	if err := s.enter(PhaseReset); err != nil {
		return Done, err
	}

	if f, ok := s.dev.(Finisher); ok {
		if err := f.Finish(ctx); err != nil {
			return Done, s.fail(-1, 0, errors.Wrap(err, "finish"))
		}
	}

	/* A device that does not come back fails the whole session */
	if w, ok := s.dev.(ReadyWaiter); ok {
		if err := w.WaitReady(ctx); err != nil {
			return Done, s.fail(-1, 0, errors.Wrap(err, "wait for device"))
		}
	}

	s.tracker.Finish()
	s.phase = PhaseSuccess
	s.close()

	if s.cfg.RequiresReplug {
		return RequiresReplug, nil
	}
	return Done, nil
}

/* WriteFirmware runs the complete session */
func (s *Session) WriteFirmware(ctx context.Context, blob *image.Blob, cfg Config) (Outcome, error) {
	if err := s.Begin(ctx, blob, cfg); err != nil {
		return Done, err
	}
	if err := s.Erase(ctx); err != nil {
		return Done, err
	}
	if err := s.WriteChunks(ctx); err != nil {
		return Done, err
	}
	if err := s.Verify(ctx); err != nil {
		return Done, err
	}
	return s.Finish(ctx)
}
