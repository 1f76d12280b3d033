package swo

// Stream Indexing

// TrcIndex is the byte offset of a packet within the raw SWO stream.
type TrcIndex uint64

const (
	// BadTrcIndex is an invalid trace index value
	BadTrcIndex TrcIndex = ^TrcIndex(0)

	// BadTraceID is an invalid trace port source ID value
	BadTraceID uint8 = 0xFF
)

// IsValidTraceID returns true if trace source ID is in valid range (0x0 < ID < 0x70)
func IsValidTraceID(id uint8) bool {
	return id > 0 && id < 0x70
}

// General Library Return and Error Codes

// Err represents library error return type
type Err uint32

const (
	OK                   Err = 0
	ErrFail              Err = 1
	ErrNotInit           Err = 2
	ErrInvalidID         Err = 3
	ErrInvalidParamVal   Err = 4
	ErrFileError         Err = 5
	ErrInvalidPcktHdr    Err = 6
	ErrStreamExhausted   Err = 7
	ErrSourceEmptyChunk  Err = 8
	ErrSourceRead        Err = 9
	ErrDfrmtrBadFhsync   Err = 10
	ErrSourceNameRepeat  Err = 11
	ErrSourceNameUnknown Err = 12
	ErrProbeNotFound     Err = 13
	ErrProbeNoTrace      Err = 14
	ErrProbeCmdFailed    Err = 15
	ErrLast              Err = 16
)

// ErrSeverity used to indicate the severity of an error or logger verbosity
type ErrSeverity uint32

const (
	ErrSevNone  ErrSeverity = 0
	ErrSevError ErrSeverity = 1
	ErrSevWarn  ErrSeverity = 2
	ErrSevInfo  ErrSeverity = 3
)

// ITM wire format constants.
const (
	HeaderSize    = 1
	MaxPacketSize = 5
	SyncLen       = 6
	OverflowByte  = 0x70
	GTSHdrMask    = 0xDF
	GTSHdrVal     = 0x94
)

// SyncPattern is the ITM synchronisation packet.
var SyncPattern = [SyncLen]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80}
