package itm

import (
	"fmt"
	"strings"

	"swoitm/internal/common"
	"swoitm/internal/swo"
)

// PktType represents the ITM packet type.
type PktType int

const (
	/* protocol packets */
	PktOverflow  PktType = iota /**< Overflow packet */
	PktTSLocal                  /**< Timestamp packet using local timestamp source */
	PktTSGlobal1                /**< Timestamp packet bits [25:0] from the global timestamp source */
	PktTSGlobal2                /**< Timestamp packet high order bits from the global timestamp source */
	PktExtension                /**< Extension packet */

	/* source packets */
	PktSWIT         /**< Software stimulus packet */
	PktDWTEvent     /**< DWT event counter wrap packet */
	PktDWTException /**< DWT exception trace packet */
	PktDWTPCSample  /**< DWT periodic PC sample packet */
	PktDWTDataPC    /**< DWT data trace PC value packet */
	PktDWTDataAddr  /**< DWT data trace address offset packet */
	PktDWTDataValue /**< DWT data trace data value packet */
)

// IsSource reports whether packets of this type are source packets, i.e. have
// a non zero size field in their header.
func (t PktType) IsSource() bool {
	return t >= PktSWIT
}

func (t PktType) nameAndDesc() (string, string) {
	switch t {
	case PktOverflow:
		return "OVERFLOW", "Overflow packet"
	case PktTSLocal:
		return "TS_L", "Local timestamp packet"
	case PktTSGlobal1:
		return "TS_G1", "Global timestamp packet 1"
	case PktTSGlobal2:
		return "TS_G2", "Global timestamp packet 2"
	case PktExtension:
		return "EXTENSION", "Extension packet"
	case PktSWIT:
		return "SWIT", "Software stimulus packet"
	case PktDWTEvent:
		return "DWT", "Event counter wrap"
	case PktDWTException:
		return "DWT", "Exception"
	case PktDWTPCSample:
		return "DWT", "PC Sample"
	case PktDWTDataPC:
		return "DWT", "Data Trace PC Value"
	case PktDWTDataAddr:
		return "DWT", "Data Trace Address"
	case PktDWTDataValue:
		return "DWT", "Data Trace Data"
	default:
		return "UNKNOWN", "Unknown Packet Type"
	}
}

// String returns the short packet type name.
func (t PktType) String() string {
	name, _ := t.nameAndDesc()
	return name
}

// Packet is one decoded ITM packet. The set of implementations is closed:
// every variant is a value type defined in this file.
type Packet interface {
	Type() PktType
	String() string
	isPacket()
}

func header(t PktType) string {
	name, desc := t.nameAndDesc()
	return fmt.Sprintf("%s:%s", name, desc)
}

func invalidParam(format string, args ...any) error {
	return common.NewErrorf(swo.ErrInvalidParamVal, format, args...)
}

// payloadSizes maps the 2 bit size field of a source packet header to a byte count.
var payloadSizes = [4]int{0, 1, 2, 4}

func validPayloadSize(n int) bool {
	return n == 0 || n == 1 || n == 2 || n == 4
}

func sizeStr(n int) string {
	switch n {
	case 1:
		return "8 bit"
	case 2:
		return "16 bit"
	case 4:
		return "32 bit"
	default:
		return "Unsized"
	}
}

// SoftwareTrace is an instrumentation packet written by software to a stimulus port.
type SoftwareTrace struct {
	channel uint8
	payload string
}

// NewSoftwareTrace builds a software stimulus packet. The payload is copied.
func NewSoftwareTrace(channel uint8, payload []byte) (SoftwareTrace, error) {
	if channel > 31 {
		return SoftwareTrace{}, invalidParam("stimulus channel %d out of range 0-31", channel)
	}
	if !validPayloadSize(len(payload)) {
		return SoftwareTrace{}, invalidParam("software payload of %d bytes, want 0, 1, 2 or 4", len(payload))
	}
	return SoftwareTrace{channel: channel, payload: string(payload)}, nil
}

func (SoftwareTrace) isPacket()        {}
func (SoftwareTrace) Type() PktType    { return PktSWIT }
func (p SoftwareTrace) Channel() uint8 { return p.channel }

// Payload returns a copy of the raw payload bytes.
func (p SoftwareTrace) Payload() []byte { return []byte(p.payload) }

// Value returns the payload as a little endian integer.
func (p SoftwareTrace) Value() uint32 {
	var v uint32
	for i := len(p.payload) - 1; i >= 0; i-- {
		v = v<<8 | uint32(p.payload[i])
	}
	return v
}

func (p SoftwareTrace) String() string {
	return fmt.Sprintf("%s; %s; Port 0x%02X; Data 0x%08X", header(PktSWIT), sizeStr(len(p.payload)), p.channel, p.Value())
}

// CounterWrap is the set of DWT counters reported as wrapped in an event packet.
type CounterWrap uint8

const (
	CounterCPI   CounterWrap = 0x01
	CounterEXC   CounterWrap = 0x02
	CounterSLEEP CounterWrap = 0x04
	CounterLSU   CounterWrap = 0x08
	CounterFOLD  CounterWrap = 0x10
	CounterCYC   CounterWrap = 0x20

	counterWrapMask CounterWrap = 0x3F
)

// Has reports whether every counter in c is set.
func (w CounterWrap) Has(c CounterWrap) bool {
	return w&c == c
}

func (w CounterWrap) String() string {
	names := []struct {
		bit  CounterWrap
		name string
	}{
		{CounterCPI, "CPI"},
		{CounterEXC, "EXC"},
		{CounterSLEEP, "SLP"},
		{CounterLSU, "LSU"},
		{CounterFOLD, "FLD"},
		{CounterCYC, "CYC"},
	}
	var parts []string
	for _, n := range names {
		if w&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DwtEventCounterWrap reports DWT profiling counters that wrapped to zero.
type DwtEventCounterWrap struct {
	counters CounterWrap
}

func NewDwtEventCounterWrap(counters CounterWrap) (DwtEventCounterWrap, error) {
	if counters&^counterWrapMask != 0 {
		return DwtEventCounterWrap{}, invalidParam("counter wrap bits 0x%02X outside 0x3F", uint8(counters))
	}
	return DwtEventCounterWrap{counters: counters}, nil
}

func (DwtEventCounterWrap) isPacket()               {}
func (DwtEventCounterWrap) Type() PktType           { return PktDWTEvent }
func (p DwtEventCounterWrap) Counters() CounterWrap { return p.counters }

func (p DwtEventCounterWrap) String() string {
	return fmt.Sprintf("%s; %s", header(PktDWTEvent), p.counters)
}

// ExceptionAction is the action the processor took on an exception.
type ExceptionAction uint8

const (
	ExcReserved ExceptionAction = 0
	ExcEnter    ExceptionAction = 1
	ExcExit     ExceptionAction = 2
	ExcReturn   ExceptionAction = 3
)

func (a ExceptionAction) String() string {
	switch a {
	case ExcEnter:
		return "Entered"
	case ExcExit:
		return "Exited"
	case ExcReturn:
		return "Returned"
	default:
		return "Reserved"
	}
}

// ExceptionEvent is a DWT exception trace packet.
type ExceptionEvent struct {
	number uint16
	action ExceptionAction
}

func NewExceptionEvent(number uint16, action ExceptionAction) (ExceptionEvent, error) {
	if number > 0x1FF {
		return ExceptionEvent{}, invalidParam("exception number %d out of range 0-511", number)
	}
	if action > ExcReturn {
		return ExceptionEvent{}, invalidParam("exception action %d out of range 0-3", action)
	}
	return ExceptionEvent{number: number, action: action}, nil
}

func (ExceptionEvent) isPacket()                 {}
func (ExceptionEvent) Type() PktType             { return PktDWTException }
func (p ExceptionEvent) Number() uint16          { return p.number }
func (p ExceptionEvent) Action() ExceptionAction { return p.action }

func (p ExceptionEvent) String() string {
	return fmt.Sprintf("%s; Exception Num %03d %s", header(PktDWTException), p.number, p.action)
}

// PcSample is a periodic PC sample. A sample taken while the core sleeps
// carries no program counter.
type PcSample struct {
	pc       uint32
	sleeping bool
}

// NewPcSample builds a sample carrying a program counter.
func NewPcSample(pc uint32) PcSample {
	return PcSample{pc: pc}
}

// NewPcSampleSleep builds a sample taken while the core was sleeping.
func NewPcSampleSleep() PcSample {
	return PcSample{sleeping: true}
}

func (PcSample) isPacket()        {}
func (PcSample) Type() PktType    { return PktDWTPCSample }
func (p PcSample) Sleeping() bool { return p.sleeping }

// ProgramCounter returns the sampled PC; ok is false for a sleep sample.
func (p PcSample) ProgramCounter() (pc uint32, ok bool) {
	return p.pc, !p.sleeping
}

func (p PcSample) String() string {
	if p.sleeping {
		return fmt.Sprintf("%s; Sleeping", header(PktDWTPCSample))
	}
	return fmt.Sprintf("%s; PC = 0x%08X", header(PktDWTPCSample), p.pc)
}

func checkComparator(comp uint8) error {
	if comp > 3 {
		return invalidParam("comparator %d out of range 0-3", comp)
	}
	return nil
}

// DwtPc is a data trace PC value packet emitted when a comparator matches.
type DwtPc struct {
	comparator uint8
	pc         uint32
}

func NewDwtPc(comparator uint8, pc uint32) (DwtPc, error) {
	if err := checkComparator(comparator); err != nil {
		return DwtPc{}, err
	}
	return DwtPc{comparator: comparator, pc: pc}, nil
}

func (DwtPc) isPacket()                {}
func (DwtPc) Type() PktType            { return PktDWTDataPC }
func (p DwtPc) Comparator() uint8      { return p.comparator }
func (p DwtPc) ProgramCounter() uint32 { return p.pc }

func (p DwtPc) String() string {
	return fmt.Sprintf("%s; Comp %d; PC = 0x%08X", header(PktDWTDataPC), p.comparator, p.pc)
}

// DwtAddrOffset is a data trace address offset packet.
type DwtAddrOffset struct {
	comparator uint8
	offset     uint32
}

func NewDwtAddrOffset(comparator uint8, offset uint32) (DwtAddrOffset, error) {
	if err := checkComparator(comparator); err != nil {
		return DwtAddrOffset{}, err
	}
	return DwtAddrOffset{comparator: comparator, offset: offset}, nil
}

func (DwtAddrOffset) isPacket()               {}
func (DwtAddrOffset) Type() PktType           { return PktDWTDataAddr }
func (p DwtAddrOffset) Comparator() uint8     { return p.comparator }
func (p DwtAddrOffset) AddressOffset() uint32 { return p.offset }

func (p DwtAddrOffset) String() string {
	return fmt.Sprintf("%s; Comp %d; Addr = 0x%08X", header(PktDWTDataAddr), p.comparator, p.offset)
}

// DwtDataValue is a data trace value packet for a read or write access.
type DwtDataValue struct {
	comparator uint8
	value      uint32
	write      bool
	size       uint8
}

func NewDwtDataValue(comparator uint8, value uint32, write bool, sizeBytes int) (DwtDataValue, error) {
	if err := checkComparator(comparator); err != nil {
		return DwtDataValue{}, err
	}
	if sizeBytes != 1 && sizeBytes != 2 && sizeBytes != 4 {
		return DwtDataValue{}, invalidParam("data value size %d, want 1, 2 or 4", sizeBytes)
	}
	if sizeBytes < 4 && value>>(8*sizeBytes) != 0 {
		return DwtDataValue{}, invalidParam("data value 0x%X does not fit in %d bytes", value, sizeBytes)
	}
	return DwtDataValue{comparator: comparator, value: value, write: write, size: uint8(sizeBytes)}, nil
}

func (DwtDataValue) isPacket()           {}
func (DwtDataValue) Type() PktType       { return PktDWTDataValue }
func (p DwtDataValue) Comparator() uint8 { return p.comparator }
func (p DwtDataValue) Value() uint32     { return p.value }
func (p DwtDataValue) IsWrite() bool     { return p.write }
func (p DwtDataValue) SizeBytes() int    { return int(p.size) }

func (p DwtDataValue) String() string {
	op := "Read"
	if p.write {
		op = "Write"
	}
	return fmt.Sprintf("%s; %s; Comp %d; Data = 0x%08X (%s)", header(PktDWTDataValue), sizeStr(int(p.size)), p.comparator, p.value, op)
}

// Overflow reports that the ITM or DWT dropped packets.
type Overflow struct{}

func (Overflow) isPacket()      {}
func (Overflow) Type() PktType  { return PktOverflow }
func (Overflow) String() string { return header(PktOverflow) }

// TimeControl is the TC field of a local timestamp packet.
type TimeControl uint8

const (
	TCSync             TimeControl = 0
	TCDelayedData      TimeControl = 1
	TCDelayedEvent     TimeControl = 2
	TCDelayedDataEvent TimeControl = 3
)

func (tc TimeControl) String() string {
	switch tc {
	case TCSync:
		return "TS Sync"
	case TCDelayedData:
		return "TS Delay"
	case TCDelayedEvent:
		return "TS Async"
	case TCDelayedDataEvent:
		return "TS delayed - async"
	default:
		return "TS reserved"
	}
}

const maxLocalDelta = 1<<28 - 1

// LocalTimestamp carries the ticks elapsed since the previous local timestamp.
type LocalTimestamp struct {
	delta uint32
	tc    TimeControl
}

func NewLocalTimestamp(delta uint32, tc TimeControl) (LocalTimestamp, error) {
	if delta > maxLocalDelta {
		return LocalTimestamp{}, invalidParam("local timestamp delta 0x%X exceeds 28 bits", delta)
	}
	if tc > TCDelayedDataEvent {
		return LocalTimestamp{}, invalidParam("time control %d out of range 0-3", tc)
	}
	return LocalTimestamp{delta: delta, tc: tc}, nil
}

func (LocalTimestamp) isPacket()                  {}
func (LocalTimestamp) Type() PktType              { return PktTSLocal }
func (p LocalTimestamp) Delta() uint32            { return p.delta }
func (p LocalTimestamp) TimeControl() TimeControl { return p.tc }

func (p LocalTimestamp) String() string {
	return fmt.Sprintf("%s; TC %s; TS = 0x%07X", header(PktTSLocal), p.tc, p.delta)
}

// GTSKind selects which half of the global timestamp a packet carries.
type GTSKind uint8

const (
	GTS1 GTSKind = 1 // bits [25:0]
	GTS2 GTSKind = 2 // bits [47:26] or [63:26]
)

func (k GTSKind) String() string {
	switch k {
	case GTS1:
		return "GTS1"
	case GTS2:
		return "GTS2"
	default:
		return fmt.Sprintf("GTSKind(%d)", uint8(k))
	}
}

// GTS1Flags are the status bits only a GTS1 packet carries.
type GTS1Flags struct {
	Wrap        bool
	ClockChange bool
}

const (
	maxGTS1Value = 1<<26 - 1
	maxGTS2Value = 1<<38 - 1
)

// GlobalTimestamp is a GTS1 or GTS2 packet.
type GlobalTimestamp struct {
	kind        GTSKind
	value       uint64
	wrap        bool
	clockChange bool
}

// NewGlobalTimestamp builds a global timestamp packet. flags must be present
// for GTS1 and absent for GTS2.
func NewGlobalTimestamp(kind GTSKind, value uint64, flags *GTS1Flags) (GlobalTimestamp, error) {
	switch kind {
	case GTS1:
		if flags == nil {
			return GlobalTimestamp{}, invalidParam("GTS1 packet requires wrap and clock change flags")
		}
		if value > maxGTS1Value {
			return GlobalTimestamp{}, invalidParam("GTS1 value 0x%X exceeds 26 bits", value)
		}
		return GlobalTimestamp{kind: kind, value: value, wrap: flags.Wrap, clockChange: flags.ClockChange}, nil
	case GTS2:
		if flags != nil {
			return GlobalTimestamp{}, invalidParam("GTS2 packet cannot carry wrap or clock change flags")
		}
		if value > maxGTS2Value {
			return GlobalTimestamp{}, invalidParam("GTS2 value 0x%X exceeds 38 bits", value)
		}
		return GlobalTimestamp{kind: kind, value: value}, nil
	default:
		return GlobalTimestamp{}, invalidParam("unknown global timestamp kind %d", uint8(kind))
	}
}

// NewGTS1 builds a GTS1 packet.
func NewGTS1(value uint64, wrap, clockChange bool) (GlobalTimestamp, error) {
	return NewGlobalTimestamp(GTS1, value, &GTS1Flags{Wrap: wrap, ClockChange: clockChange})
}

// NewGTS2 builds a GTS2 packet.
func NewGTS2(value uint64) (GlobalTimestamp, error) {
	return NewGlobalTimestamp(GTS2, value, nil)
}

func (GlobalTimestamp) isPacket()       {}
func (p GlobalTimestamp) Kind() GTSKind { return p.kind }
func (p GlobalTimestamp) Value() uint64 { return p.value }

func (p GlobalTimestamp) Type() PktType {
	if p.kind == GTS2 {
		return PktTSGlobal2
	}
	return PktTSGlobal1
}

// Wrap reports the wrap flag; ok is false for GTS2 packets.
func (p GlobalTimestamp) Wrap() (wrap bool, ok bool) {
	return p.wrap, p.kind == GTS1
}

// ClockChange reports the clock change flag; ok is false for GTS2 packets.
func (p GlobalTimestamp) ClockChange() (changed bool, ok bool) {
	return p.clockChange, p.kind == GTS1
}

func (p GlobalTimestamp) String() string {
	if p.kind == GTS2 {
		return fmt.Sprintf("%s; TS 63:26 0x%010X", header(PktTSGlobal2), p.value)
	}
	return fmt.Sprintf("%s; TS 25:0  0x%07X; Wrap %t; ClkCh %t", header(PktTSGlobal1), p.value, p.wrap, p.clockChange)
}

const maxExtensionInfo = 1<<31 - 1

// Extension carries auxiliary source information, e.g. the stimulus port page.
type Extension struct {
	hardware bool
	info     uint32
}

func NewExtension(hardware bool, info uint32) (Extension, error) {
	if info > maxExtensionInfo {
		return Extension{}, invalidParam("extension info 0x%X exceeds 31 bits", info)
	}
	return Extension{hardware: hardware, info: info}, nil
}

func (Extension) isPacket()      {}
func (Extension) Type() PktType  { return PktExtension }
func (p Extension) Info() uint32 { return p.info }

// Source returns the SH bit: true for a hardware source, false for software.
func (p Extension) Source() bool { return p.hardware }

func (p Extension) String() string {
	src := "SW"
	if p.hardware {
		src = "HW"
	}
	return fmt.Sprintf("%s; Src %s; Val 0x%08X", header(PktExtension), src, p.info)
}
