package scsi

import (
	"context"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/flashcore/retry"
	"github.com/BertoldVdb/flashcore/transfer"
)

const (
	SG_DXFER_NONE        = -1
	SG_DXFER_TO_DEV      = -2
	SG_DXFER_FROM_DEV    = -3
	SG_DXFER_TO_FROM_DEV = -4

	SG_INFO_OK_MASK = 0x1
	SG_INFO_OK      = 0x0

	SG_IO = 0x2285

	/* Host byte values that mean the command never completed */
	hostTimeout = 0x03
	hostBusy    = 0x02
	hostNoConn  = 0x01

	statusBusy = 0x08
)

type SGIOHdr struct {
	InterfaceID    int32   // 'S' for SCSI generic (required)
	DxferDirection int32   // data transfer direction
	CmdLen         uint8   // SCSI command length (<= 16 bytes)
	MxSbLen        uint8   // max length to write to sbp
	IovecCount     uint16  // 0 implies no scatter gather
	DxferLen       uint32  // byte count of data transfer
	DxferP         uintptr // points to data transfer memory or scatter gather list
	CmdP           uintptr // points to command to perform
	SbP            uintptr // points to sense_buffer memory
	Timeout        uint32  // MAX_UINT -> no timeout (unit: millisec)
	Flags          uint32  // 0 -> default, see SG_FLAG...
	PackID         int32   // unused internally (normally)
	UsrPtr         uintptr // unused internally
	Status         uint8   // SCSI status
	MaskedStatus   uint8   // shifted, masked scsi status
	MsgStatus      uint8   // messaging level data (optional)
	SbLenWr        uint8   // byte count actually written to sbp
	HostStatus     uint16  // errors from host adapter
	DriverStatus   uint16  // errors from software driver
	ResID          int32   // dxfer_len - actual_transferred
	Duration       uint32  // time taken by cmd (unit: millisec)
	Info           uint32  // auxiliary information
}

type SCSI struct {
	path string
	fd   int

	Timeout time.Duration

	/* Bytes per data phase the bridge accepts */
	MaxTransfer int

	LogFunc func(format string, params ...any)
}

func (s *SCSI) log(format string, params ...any) {
	if s.LogFunc != nil {
		s.LogFunc(format, params...)
	}
}

func New(path string) (*SCSI, error) {
	s := &SCSI{
		path:        path,
		fd:          -1,
		Timeout:     3 * time.Second,
		MaxTransfer: 255,
	}

	err := s.open()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SCSI) open() error {
	fd, err := unix.Open(s.path, unix.O_RDWR, 0600)
	if err != nil {
		return transfer.NotReadyError("open "+s.path, err)
	}
	s.fd = fd
	return nil
}

/* Reopen waits for the device node to come back after a reset */
func (s *SCSI) Reopen(ctx context.Context) error {
	/* The reset usually took the node away already */
	if err := s.Close(); err != nil {
		s.log("close %s before reopen: %v", s.path, err)
	}

	if err := transfer.Sleep(ctx, 400*time.Millisecond); err != nil {
		return err
	}

	return retry.Poll(ctx, 100, 100*time.Millisecond, func(ctx context.Context) error {
		err := s.open()
		if err != nil {
			s.log("waiting for %s: %v", s.path, err)
		}
		return err
	})
}

func (s *SCSI) Close() error {
	if s.fd < 0 {
		return nil
	}

	fd := s.fd
	s.fd = -1

	return unix.Close(fd)
}

func (s *SCSI) timeoutMs(ctx context.Context) uint32 {
	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return uint32(timeout / time.Millisecond)
}

func (s *SCSI) SGIO(ctx context.Context, op string, hdr *SGIOHdr) error {
	if s.fd < 0 {
		return transfer.ErrorClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hdr.Timeout = s.timeoutMs(ctx)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), SG_IO, uintptr(unsafe.Pointer(hdr)))
	if errno != 0 {
		if errno == unix.ENODEV || errno == unix.EBUSY {
			return transfer.NotReadyError(op, errno)
		}
		return transfer.IOError(op, errno)
	}

	if hdr.Info&SG_INFO_OK_MASK != SG_INFO_OK {
		err := errors.Errorf("SCSI Status: %02x, Host Status: %04x, Driver Status: %04x", hdr.Status, hdr.HostStatus, hdr.DriverStatus)
		switch {
		case hdr.HostStatus == hostTimeout:
			return transfer.TimeoutError(op, err)
		case hdr.HostStatus == hostBusy || hdr.HostStatus == hostNoConn || hdr.Status == statusBusy:
			return transfer.NotReadyError(op, err)
		}
		return transfer.IOError(op, err)
	}

	return nil
}

func (s *SCSI) Read(ctx context.Context, cmd []byte, data []byte) (int, error) {
	senseBuf := make([]byte, 32)

	hdr := SGIOHdr{
		InterfaceID:    'S',
		SbP:            uintptr(unsafe.Pointer(&senseBuf[0])),
		MxSbLen:        uint8(len(senseBuf)),
		DxferDirection: SG_DXFER_FROM_DEV,

		CmdLen: uint8(len(cmd)),
		CmdP:   uintptr(unsafe.Pointer(&cmd[0])),
	}
	if len(data) > 0 {
		hdr.DxferP = uintptr(unsafe.Pointer(&data[0]))
		hdr.DxferLen = uint32(len(data))
	}

	if err := s.SGIO(ctx, "scsi read", &hdr); err != nil {
		return 0, err
	}

	n := len(data) - int(hdr.ResID)
	if n != len(data) {
		return n, transfer.ShortReadError("scsi read", len(data), n)
	}
	return n, nil
}

func (s *SCSI) Write(ctx context.Context, cmd []byte, data []byte) error {
	senseBuf := make([]byte, 32)

	hdr := SGIOHdr{
		InterfaceID:    'S',
		SbP:            uintptr(unsafe.Pointer(&senseBuf[0])),
		MxSbLen:        uint8(len(senseBuf)),
		DxferDirection: SG_DXFER_TO_DEV,

		CmdLen: uint8(len(cmd)),
		CmdP:   uintptr(unsafe.Pointer(&cmd[0])),
	}

	if len(data) > 0 {
		hdr.DxferP = uintptr(unsafe.Pointer(&data[0]))
		hdr.DxferLen = uint32(len(data))
	}

	if err := s.SGIO(ctx, "scsi write", &hdr); err != nil {
		return err
	}

	if hdr.ResID != 0 {
		return transfer.ShortWriteError("scsi write", len(data), len(data)-int(hdr.ResID))
	}
	return nil
}
