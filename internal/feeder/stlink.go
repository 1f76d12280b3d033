package feeder

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/boljen/go-bitmap"

	"swoitm/internal/common"
	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

const (
	cmdGetVersion     = 0xF1
	cmdDebug          = 0xF2
	cmdDfu            = 0xF3
	cmdGetCurrentMode = 0xF5

	debugExit              = 0x21
	debugApiV2Enter        = 0x30
	debugEnterSwdNoReset   = 0xA3
	debugApiV2StartTraceRx = 0x40
	debugApiV2StopTraceRx  = 0x41
	debugApiV2GetTraceNB   = 0x42
	debugApiV3GetVersionEx = 0xFB

	dfuExit = 0x07

	debugErrorOk = 0x80

	deviceModeDFU   = 0x00
	deviceModeDebug = 0x02

	cmdSizeV2  = 16
	traceSize  = 4096
	traceMaxHz = 2000000

	tracePollInterval = 10 * time.Millisecond
)

// probe property flags, bit positions in the capability bitmap
const (
	flagHasTrace       = 0
	flagHasSwdSetFreq  = 1
	flagHasJtagSetFreq = 2
	flagHasDapReg      = 3
	flagCount          = 32
)

// probeLink is the USB plumbing of a probe: the command endpoint pair and
// the trace endpoint.
type probeLink interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	ReadTrace(b []byte) (int, error)
	Close() error
}

type stLinkVersion struct {
	stlink int
	jtag   int
	swim   int
	flags  bitmap.Bitmap
}

func (v stLinkVersion) String() string {
	return fmt.Sprintf("V%dJ%dS%d", v.stlink, v.jtag, v.swim)
}

// STLinkSource captures SWO through the trace endpoint of an ST-Link probe.
type STLinkSource struct {
	ctx  context.Context
	link probeLink
	log  common.Logger

	mu       sync.Mutex
	version  stLinkVersion
	sourceHz uint32
	enabled  bool
	closed   bool

	cmd   []byte
	trace []byte
}

// newSTLinkSource brings the probe into SWD mode and starts SWO capture at
// swoHz (0 for the probe maximum).
func newSTLinkSource(ctx context.Context, link probeLink, swoHz uint32, log common.Logger) (*STLinkSource, error) {
	if swoHz == 0 {
		swoHz = traceMaxHz
	}
	if swoHz > traceMaxHz {
		return nil, common.NewErrorf(swo.ErrInvalidParamVal, "SWO frequency %d Hz above probe maximum %d Hz", swoHz, traceMaxHz)
	}
	s := &STLinkSource{
		ctx:      ctx,
		link:     link,
		log:      log,
		sourceHz: swoHz,
		cmd:      make([]byte, cmdSizeV2),
		trace:    make([]byte, traceSize),
	}

	if err := s.readVersion(); err != nil {
		return nil, err
	}
	log.Logf(common.SeverityInfo, "ST-Link %s", s.version)
	log.Logf(common.SeverityDebug, "ST-Link capabilities: %s", strings.Join(s.version.capabilities(), ", "))
	if !s.version.flags.Get(flagHasTrace) {
		return nil, common.NewErrorf(swo.ErrProbeNoTrace, "ST-Link %s has no trace support, J13 or later needed", s.version)
	}
	if err := s.initMode(); err != nil {
		return nil, err
	}
	if err := s.traceEnable(); err != nil {
		return nil, err
	}
	return s, nil
}

// transfer sends one command and reads rxSize response bytes.
func (s *STLinkSource) transfer(rxSize int, cmd ...byte) ([]byte, error) {
	clear(s.cmd)
	copy(s.cmd, cmd)
	if _, err := s.link.Write(s.cmd); err != nil {
		return nil, common.NewErrorf(swo.ErrProbeCmdFailed, "write command 0x%02X: %v", cmd[0], err)
	}
	if rxSize == 0 {
		return nil, nil
	}
	rx := make([]byte, rxSize)
	n, err := s.link.Read(rx)
	if err != nil {
		return nil, common.NewErrorf(swo.ErrProbeCmdFailed, "read response to 0x%02X: %v", cmd[0], err)
	}
	if n < rxSize {
		return nil, common.NewErrorf(swo.ErrProbeCmdFailed, "short response to 0x%02X: %d of %d bytes", cmd[0], n, rxSize)
	}
	return rx, nil
}

// transferErrCheck is transfer for commands answering with a status byte.
func (s *STLinkSource) transferErrCheck(cmd ...byte) error {
	rx, err := s.transfer(2, cmd...)
	if err != nil {
		return err
	}
	if rx[0] != debugErrorOk {
		return common.NewErrorf(swo.ErrProbeCmdFailed, "command 0x%02X 0x%02X failed with status 0x%02X", cmd[0], cmd[1], rx[0])
	}
	return nil
}

func (s *STLinkSource) readVersion() error {
	rx, err := s.transfer(6, cmdGetVersion)
	if err != nil {
		return err
	}
	version := binary.BigEndian.Uint16(rx)
	v := int(version>>12) & 0x0F
	x := int(version>>6) & 0x3F
	y := int(version) & 0x3F

	s.version = stLinkVersion{stlink: v, jtag: x, swim: y}

	// STLINK-V3 requires a specific command
	if v == 3 && x == 0 && y == 0 {
		ex, err := s.transfer(12, debugApiV3GetVersionEx)
		if err != nil {
			return err
		}
		s.version.stlink = int(ex[0])
		s.version.swim = int(ex[1])
		s.version.jtag = int(ex[2])
	}

	flags := bitmap.New(flagCount)
	switch s.version.stlink {
	case 2:
		// API for trace from J13
		if s.version.jtag >= 13 {
			flags.Set(flagHasTrace, true)
		}
		if s.version.jtag >= 22 {
			flags.Set(flagHasSwdSetFreq, true)
		}
		if s.version.jtag >= 24 {
			flags.Set(flagHasJtagSetFreq, true)
			flags.Set(flagHasDapReg, true)
		}
	case 3:
		// STLINK-V3 is a superset of ST-LINK/V2
		flags.Set(flagHasTrace, true)
		flags.Set(flagHasSwdSetFreq, true)
		flags.Set(flagHasJtagSetFreq, true)
		flags.Set(flagHasDapReg, true)
	}
	s.version.flags = flags
	return nil
}

var flagNames = []struct {
	flag int
	name string
}{
	{flagHasTrace, "trace"},
	{flagHasSwdSetFreq, "SWD frequency"},
	{flagHasJtagSetFreq, "JTAG frequency"},
	{flagHasDapReg, "DAP registers"},
}

// capabilities names the features set in the capability bitmap.
func (v stLinkVersion) capabilities() []string {
	var names []string
	for _, f := range flagNames {
		if v.flags.Get(f.flag) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return []string{"none"}
	}
	return names
}

// initMode leaves DFU or a previous debug session and enters SWD.
func (s *STLinkSource) initMode() error {
	rx, err := s.transfer(2, cmdGetCurrentMode)
	if err != nil {
		return err
	}
	switch rx[0] {
	case deviceModeDFU:
		s.log.Debug("leaving DFU mode")
		if _, err := s.transfer(0, cmdDfu, dfuExit); err != nil {
			return err
		}
	case deviceModeDebug:
		s.log.Debug("leaving debug mode")
		if _, err := s.transfer(0, cmdDebug, debugExit); err != nil {
			return err
		}
	}
	return s.transferErrCheck(cmdDebug, debugApiV2Enter, debugEnterSwdNoReset)
}

func (s *STLinkSource) traceEnable() error {
	cmd := []byte{cmdDebug, debugApiV2StartTraceRx, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], traceSize)
	binary.LittleEndian.PutUint32(cmd[4:], s.sourceHz)
	if err := s.transferErrCheck(cmd...); err != nil {
		return err
	}
	s.enabled = true
	s.log.Logf(common.SeverityDebug, "enabled trace recording at %d Hz", s.sourceHz)
	return nil
}

func (s *STLinkSource) traceDisable() error {
	s.log.Debug("disabling trace functionality")
	err := s.transferErrCheck(cmdDebug, debugApiV2StopTraceRx)
	s.enabled = false
	return err
}

// pendingTrace asks the probe how many trace bytes it holds.
func (s *STLinkSource) pendingTrace() (int, error) {
	rx, err := s.transfer(2, cmdDebug, debugApiV2GetTraceNB)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint16(rx)), nil
}

// ReadChunk polls the probe until trace bytes are available. Cancelling the
// context or closing the source ends the stream.
func (s *STLinkSource) ReadChunk() ([]byte, error) {
	for {
		chunk, err := s.poll()
		if err != nil || len(chunk) > 0 {
			return chunk, err
		}
		select {
		case <-s.ctx.Done():
			return nil, io.EOF
		case <-time.After(tracePollInterval):
		}
	}
}

func (s *STLinkSource) poll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}

	n, err := s.pendingTrace()
	if err != nil || n == 0 {
		return nil, err
	}
	n = min(n, len(s.trace))
	got, err := s.link.ReadTrace(s.trace[:n])
	if err != nil {
		return nil, common.NewErrorf(swo.ErrSourceRead, "read trace endpoint: %v", err)
	}
	s.log.Logf(common.SeverityDebug, "read [%d from %d] bytes from trace channel", got, n)
	return s.trace[:got], nil
}

// Close stops trace capture and releases the probe.
func (s *STLinkSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.enabled {
		err = s.traceDisable()
	}
	if cerr := s.link.Close(); err == nil {
		err = cerr
	}
	return err
}

func openSTLink(ctx context.Context, opts Options) (itm.Source, io.Closer, error) {
	link, err := openUSBLink(opts.Serial, opts.logger())
	if err != nil {
		return nil, nil, err
	}
	src, err := newSTLinkSource(ctx, link, opts.SWOHz, opts.logger())
	if err != nil {
		link.Close()
		return nil, nil, err
	}
	return src, src, nil
}
