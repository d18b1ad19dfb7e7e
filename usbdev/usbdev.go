package usbdev

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/BertoldVdb/flashcore/transfer"
)

var (
	ErrorNotFound    = errors.New("USB device not found")
	ErrorNoInterface = errors.New("no interface claimed")
	ErrorNoEndpoint  = errors.New("bulk endpoint not found")
)

/* Controller is the part of *gousb.Device used for control transfers */
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

type Device struct {
	ctx  *gousb.Context
	Dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func Open(vid uint16, pid uint16) (dev *Device, err error) {
	ctx := gousb.NewContext()
	defer func() {
		if err != nil {
			ctx.Close()
		}
	}()

	d, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Wrapf(ErrorNotFound, "%04x:%04x", vid, pid)
	}
	d.SetAutoDetach(true)

	return &Device{ctx: ctx, Dev: d}, nil
}

/* Claim selects the interface that carries the bulk endpoints */
func (d *Device) Claim(config int, intf int, alt int) error {
	cfg, err := d.Dev.Config(config)
	if err != nil {
		return err
	}
	i, err := cfg.Interface(intf, alt)
	if err != nil {
		cfg.Close()
		return err
	}
	d.cfg, d.intf = cfg, i
	return nil
}

/* Bulk opens the bulk endpoints of the claimed interface. An endpoint
 * number of zero picks the bulk endpoint with that direction. A zero
 * maxPayload uses the packet size of the OUT endpoint. */
func (d *Device) Bulk(in int, out int, maxPayload int) (*BulkChannel, error) {
	if d.intf == nil {
		return nil, ErrorNoInterface
	}

	for _, ed := range d.intf.Setting.Endpoints {
		if ed.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ed.Direction == gousb.EndpointDirectionIn && in == 0 {
			in = ed.Number
		} else if ed.Direction == gousb.EndpointDirectionOut && out == 0 {
			out = ed.Number
		}
	}
	if in == 0 || out == 0 {
		return nil, errors.Wrapf(ErrorNoEndpoint, "in %d out %d", in, out)
	}

	ie, err := d.intf.InEndpoint(in)
	if err != nil {
		return nil, err
	}
	oe, err := d.intf.OutEndpoint(out)
	if err != nil {
		return nil, err
	}

	if maxPayload <= 0 {
		maxPayload = oe.Desc.MaxPacketSize
	}
	return &BulkChannel{in: ie, out: oe, max: maxPayload}, nil
}

func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if err := d.Dev.Close(); err != nil {
		d.ctx.Close()
		return err
	}
	return d.ctx.Close()
}

func mapError(op string, err error) error {
	switch {
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut), errors.Is(err, context.DeadlineExceeded):
		return transfer.TimeoutError(op, err)
	case errors.Is(err, gousb.ErrorBusy), errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return transfer.NotReadyError(op, err)
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		/* A stall is the device refusing the request */
		return transfer.ProtocolError(op, "%w", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return transfer.IOError(op, err)
}

/* VendorControl issues vendor requests addressed to an interface */
type VendorControl struct {
	transfer.OpenState

	Dev       Controller
	Recipient uint8
}

func NewVendorControl(dev Controller) *VendorControl {
	return &VendorControl{Dev: dev, Recipient: gousb.ControlInterface}
}

func (v *VendorControl) setTimeout(timeout time.Duration) {
	if d, ok := v.Dev.(*gousb.Device); ok && timeout > 0 {
		d.ControlTimeout = timeout
	}
}

func (v *VendorControl) Out(ctx context.Context, request uint8, value uint16, index uint16, data []byte, timeout time.Duration) error {
	if err := v.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v.setTimeout(timeout)

	n, err := v.Dev.Control(gousb.ControlOut|gousb.ControlVendor|v.Recipient, request, value, index, data)
	if err != nil {
		return mapError("control out", err)
	}
	if n != len(data) {
		return transfer.ShortWriteError("control out", len(data), n)
	}
	return nil
}

func (v *VendorControl) In(ctx context.Context, request uint8, value uint16, index uint16, buf []byte, timeout time.Duration) (int, error) {
	if err := v.Check(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.setTimeout(timeout)

	n, err := v.Dev.Control(gousb.ControlIn|gousb.ControlVendor|v.Recipient, request, value, index, buf)
	if err != nil {
		return n, mapError("control in", err)
	}
	return n, nil
}

func (v *VendorControl) Close() error {
	v.MarkClosed()
	return nil
}

/* ControlChannel is a transfer.Channel over one fixed vendor request */
type ControlChannel struct {
	*VendorControl

	Request uint8
	Value   uint16
	Index   uint16
	Max     int
}

func (c *ControlChannel) Write(ctx context.Context, payload []byte, timeout time.Duration) error {
	if err := transfer.CheckPayload(c, payload); err != nil {
		return err
	}
	return c.Out(ctx, c.Request, c.Value, c.Index, payload, timeout)
}

func (c *ControlChannel) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return c.In(ctx, c.Request, c.Value, c.Index, buf, timeout)
}

func (c *ControlChannel) MaxPayload() int {
	return c.Max
}

/* The endpoint halves of *gousb.InEndpoint and *gousb.OutEndpoint */
type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type BulkChannel struct {
	transfer.OpenState

	in  bulkReader
	out bulkWriter
	max int
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (b *BulkChannel) Write(ctx context.Context, payload []byte, timeout time.Duration) error {
	if err := b.Check(); err != nil {
		return err
	}
	if err := transfer.CheckPayload(b, payload); err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	n, err := b.out.WriteContext(ctx, payload)
	if err != nil {
		return mapError("bulk out", err)
	}
	if n != len(payload) {
		return transfer.ShortWriteError("bulk out", len(payload), n)
	}
	return nil
}

func (b *BulkChannel) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := b.Check(); err != nil {
		return 0, err
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	n, err := b.in.ReadContext(ctx, buf)
	if err != nil {
		return n, mapError("bulk in", err)
	}
	return n, nil
}

func (b *BulkChannel) MaxPayload() int {
	return b.max
}

func (b *BulkChannel) Close() error {
	b.MarkClosed()
	return nil
}
