package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

/* Channel moves opaque payloads to and from a device. Implementations never
 * sleep between transfers, pacing is up to the caller. */
type Channel interface {
	Write(ctx context.Context, payload []byte, timeout time.Duration) error
	Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
	MaxPayload() int
	Close() error
}

type Kind int

const (
	KindIO Kind = iota
	KindShortWrite
	KindShortRead
	KindTimeout
	KindDeviceNotReady
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindShortWrite:
		return "short write"
	case KindShortRead:
		return "short read"
	case KindTimeout:
		return "timeout"
	case KindDeviceNotReady:
		return "device not ready"
	case KindProtocolViolation:
		return "protocol violation"
	}
	return "I/O error"
}

type Error struct {
	Kind     Kind
	Op       string
	Expected int
	Actual   int
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == KindShortWrite || e.Kind == KindShortRead {
		msg = fmt.Sprintf("%s: expected %d bytes, got %d", msg, e.Expected, e.Actual)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrorClosed          = errors.New("channel is closed")
	ErrorPayloadTooLarge = errors.New("payload exceeds channel limit")
)

func ShortWriteError(op string, expected int, actual int) *Error {
	return &Error{Kind: KindShortWrite, Op: op, Expected: expected, Actual: actual}
}

func ShortReadError(op string, expected int, actual int) *Error {
	return &Error{Kind: KindShortRead, Op: op, Expected: expected, Actual: actual}
}

func TimeoutError(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

func NotReadyError(op string, err error) *Error {
	return &Error{Kind: KindDeviceNotReady, Op: op, Err: err}
}

func IOError(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func ProtocolError(op string, format string, params ...any) *Error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: fmt.Errorf(format, params...)}
}

/* KindOf reports the transport error kind of err, if it carries one */
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

/* IsRetryable reports whether repeating the transfer may succeed. Everything
 * coming from the transport is retryable except protocol violations. */
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind != KindProtocolViolation
}

func CheckPayload(ch Channel, payload []byte) error {
	if max := ch.MaxPayload(); max > 0 && len(payload) > max {
		return errors.Wrapf(ErrorPayloadTooLarge, "%d > %d", len(payload), max)
	}
	return nil
}

/* ReadFull reads exactly len(buf) bytes in one transfer */
func ReadFull(ctx context.Context, ch Channel, buf []byte, timeout time.Duration) error {
	n, err := ch.Read(ctx, buf, timeout)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ShortReadError("read", len(buf), n)
	}
	return nil
}

/* Exchange writes a request and reads the response, sleeping settle in
 * between if the device needs time to prepare the answer */
func Exchange(ctx context.Context, ch Channel, req []byte, resp []byte, settle time.Duration, timeout time.Duration) error {
	if err := ch.Write(ctx, req, timeout); err != nil {
		return err
	}
	if err := Sleep(ctx, settle); err != nil {
		return err
	}
	if len(resp) == 0 {
		return nil
	}
	return ReadFull(ctx, ch, resp, timeout)
}

/* Sleep waits for d or until the context is done */
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
