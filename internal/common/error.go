package common

import (
	"errors"
	"fmt"
	"strings"

	"swoitm/internal/swo"
)

// Error represents the library error object.
type Error struct {
	Code    swo.Err
	Sev     swo.ErrSeverity
	Idx     swo.TrcIndex
	ChanID  uint8
	Message string
}

func NewError(sev swo.ErrSeverity, code swo.Err) *Error {
	return &Error{
		Code:   code,
		Sev:    sev,
		Idx:    swo.BadTrcIndex,
		ChanID: swo.BadTraceID,
	}
}

func NewErrorWithIdx(sev swo.ErrSeverity, code swo.Err, idx swo.TrcIndex) *Error {
	return &Error{
		Code:   code,
		Sev:    sev,
		Idx:    idx,
		ChanID: swo.BadTraceID,
	}
}

func NewErrorMsg(sev swo.ErrSeverity, code swo.Err, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Idx:     swo.BadTrcIndex,
		ChanID:  swo.BadTraceID,
		Message: msg,
	}
}

// NewErrorf builds an error-severity Error with a formatted message.
func NewErrorf(code swo.Err, format string, args ...any) *Error {
	return NewErrorMsg(swo.ErrSevError, code, fmt.Sprintf(format, args...))
}

func NewErrorWithIdxMsg(sev swo.ErrSeverity, code swo.Err, idx swo.TrcIndex, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Idx:     idx,
		ChanID:  swo.BadTraceID,
		Message: msg,
	}
}

func NewErrorWithIdxChanMsg(sev swo.ErrSeverity, code swo.Err, idx swo.TrcIndex, chanID uint8, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Idx:     idx,
		ChanID:  chanID,
		Message: msg,
	}
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	switch e.Sev {
	case swo.ErrSevNone:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	case swo.ErrSevError:
		sb.WriteString("ERROR:")
	case swo.ErrSevWarn:
		sb.WriteString("WARN :")
	case swo.ErrSevInfo:
		sb.WriteString("INFO :")
	default:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	}

	sb.WriteString(fmt.Sprintf("0x%04x ", e.Code))

	if desc, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("(%s) [%s]; ", desc.name, desc.msg))
	} else {
		sb.WriteString("(unknown); ")
	}

	if e.Idx != swo.BadTrcIndex {
		sb.WriteString(fmt.Sprintf("TrcIdx=%d; ", e.Idx))
	}

	if e.ChanID != swo.BadTraceID {
		sb.WriteString(fmt.Sprintf("ID=%02x; ", e.ChanID))
	}

	sb.WriteString(e.Message)
	return sb.String()
}

// Is matches any *Error carrying the same code, so a bare NewError value can
// be used as an errors.Is target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code swo.Err) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[swo.Err]errDesc{
	swo.OK:                   {"SWO_OK", "No Error."},
	swo.ErrFail:              {"SWO_ERR_FAIL", "General failure."},
	swo.ErrNotInit:           {"SWO_ERR_NOT_INIT", "Component not initialised."},
	swo.ErrInvalidID:         {"SWO_ERR_INVALID_ID", "Invalid trace source ID."},
	swo.ErrInvalidParamVal:   {"SWO_ERR_INVALID_PARAM_VAL", "Invalid value parameter passed to component."},
	swo.ErrFileError:         {"SWO_ERR_FILE_ERROR", "File access error"},
	swo.ErrInvalidPcktHdr:    {"SWO_ERR_INVALID_PCKT_HDR", "Invalid packet header"},
	swo.ErrStreamExhausted:   {"SWO_ERR_STREAM_EXHAUSTED", "Byte source already reported end of stream."},
	swo.ErrSourceEmptyChunk:  {"SWO_ERR_SOURCE_EMPTY_CHUNK", "Byte source returned an empty chunk without error."},
	swo.ErrSourceRead:        {"SWO_ERR_SOURCE_READ", "Byte source read failed."},
	swo.ErrDfrmtrBadFhsync:   {"SWO_ERR_DFMTR_BAD_FHSYNC", "Bad frame or half frame sync in trace deformatter"},
	swo.ErrSourceNameRepeat:  {"SWO_ERR_SOURCE_NAME_REPEAT", "Attempted to register a byte source with the same name as another one."},
	swo.ErrSourceNameUnknown: {"SWO_ERR_SOURCE_NAME_UNKNOWN", "Attempted to find a byte source with a name that is not registered."},
	swo.ErrProbeNotFound:     {"SWO_ERR_PROBE_NOT_FOUND", "No matching debug probe found."},
	swo.ErrProbeNoTrace:      {"SWO_ERR_PROBE_NO_TRACE", "Debug probe firmware does not support trace capture."},
	swo.ErrProbeCmdFailed:    {"SWO_ERR_PROBE_CMD_FAILED", "Debug probe command returned a failure status."},
	swo.ErrLast:              {"SWO_ERR_LAST", "No error - error code end marker"},
}
