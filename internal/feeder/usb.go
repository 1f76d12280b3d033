package feeder

import (
	"slices"

	"github.com/google/gousb"

	"swoitm/internal/common"
	"swoitm/internal/swo"
)

var (
	stlinkSupportedVids = []gousb.ID{0x0483} // STLINK Vendor ID
	stlinkSupportedPids = []gousb.ID{0x3744, 0x3748, 0x374b, 0x374d, 0x374e, 0x374f, 0x3752, 0x3753}
)

// ST-Link V2 endpoints; V2.1 and V3 moved TX and trace.
const (
	stlinkRxEp       = 0x81
	stlinkTxEp       = 0x02
	stlinkTraceEp    = 0x83
	stlinkV21TxEp    = 0x01
	stlinkV21TraceEp = 0x82
	stlinkV2Pid      = 0x3748
	stlinkV1Pid      = 0x3744
)

// usbLink is a probeLink on libusb.
type usbLink struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	tx    *gousb.OutEndpoint
	rx    *gousb.InEndpoint
	trace *gousb.InEndpoint
}

func openUSBLink(serial string, log common.Logger) (*usbLink, error) {
	l := &usbLink{ctx: gousb.NewContext()}

	devices, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if slices.Contains(stlinkSupportedVids, desc.Vendor) && slices.Contains(stlinkSupportedPids, desc.Product) {
			log.Logf(common.SeverityInfo, "found USB device [%04x:%04x] on bus %03d:%03d", uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)
			return true
		}
		return false
	})
	if err != nil && len(devices) == 0 {
		l.ctx.Close()
		return nil, common.NewErrorf(swo.ErrProbeNotFound, "usb device scan: %v", err)
	}

	l.dev, err = pickDevice(devices, serial, log)
	for _, d := range devices {
		if d != l.dev {
			d.Close()
		}
	}
	if err != nil {
		l.ctx.Close()
		return nil, err
	}

	if err := l.claim(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func pickDevice(devices []*gousb.Device, serial string, log common.Logger) (*gousb.Device, error) {
	switch {
	case len(devices) == 0:
		return nil, common.NewErrorMsg(swo.ErrSevError, swo.ErrProbeNotFound, "could not find any ST-Link connected to computer")
	case serial == "" && len(devices) > 1:
		return nil, common.NewErrorMsg(swo.ErrSevError, swo.ErrProbeNotFound, "several ST-Links attached, select one by serial number")
	case serial == "":
		return devices[0], nil
	}
	for _, dev := range devices {
		devSerialNo, _ := dev.SerialNumber()
		log.Logf(common.SeverityDebug, "compare serial no %s with number %s", devSerialNo, serial)
		if devSerialNo == serial {
			return dev, nil
		}
	}
	return nil, common.NewErrorf(swo.ErrProbeNotFound, "no ST-Link with serial number %s", serial)
}

func (l *usbLink) claim() error {
	var err error
	l.cfg, err = l.dev.Config(1)
	if err != nil {
		return common.NewErrorf(swo.ErrProbeNotFound, "could not request configuration #1 for st-link debugger: %v", err)
	}
	l.intf, err = l.cfg.Interface(0, 0)
	if err != nil {
		return common.NewErrorf(swo.ErrProbeNotFound, "could not claim interface 0,0 for st-link debugger: %v", err)
	}

	txEp, traceEp := stlinkV21TxEp, stlinkV21TraceEp
	switch l.dev.Desc.Product {
	case stlinkV1Pid:
		return common.NewErrorMsg(swo.ErrSevError, swo.ErrProbeNoTrace, "ST-Link V1 has no trace endpoint")
	case stlinkV2Pid:
		txEp, traceEp = stlinkTxEp, stlinkTraceEp
	}

	if l.rx, err = l.intf.InEndpoint(stlinkRxEp & 0x7F); err != nil {
		return common.NewErrorf(swo.ErrProbeNotFound, "rx endpoint: %v", err)
	}
	if l.tx, err = l.intf.OutEndpoint(txEp); err != nil {
		return common.NewErrorf(swo.ErrProbeNotFound, "tx endpoint: %v", err)
	}
	if l.trace, err = l.intf.InEndpoint(traceEp & 0x7F); err != nil {
		return common.NewErrorf(swo.ErrProbeNotFound, "trace endpoint: %v", err)
	}
	return nil
}

func (l *usbLink) Write(b []byte) (int, error)     { return l.tx.Write(b) }
func (l *usbLink) Read(b []byte) (int, error)      { return l.rx.Read(b) }
func (l *usbLink) ReadTrace(b []byte) (int, error) { return l.trace.Read(b) }

func (l *usbLink) Close() error {
	if l.intf != nil {
		l.intf.Close()
	}
	var err error
	if l.cfg != nil {
		err = l.cfg.Close()
	}
	if l.dev != nil {
		if cerr := l.dev.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := l.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
