package printers

import (
	"fmt"
	"io"
	"strings"

	"swoitm/internal/swo"
)

// RawDataPrinter dumps the raw byte chunks handed to the decoder.
type RawDataPrinter struct {
	ItemPrinter
}

// NewRawDataPrinter creates a new printer for raw source chunks.
func NewRawDataPrinter(writer io.Writer) *RawDataPrinter {
	return &RawDataPrinter{
		ItemPrinter: *NewItemPrinter(writer),
	}
}

// RawDataIn prints one chunk starting at stream offset index. traceID is the
// TPIU trace ID the bytes were extracted for, or 0 for a plain SWO stream.
func (p *RawDataPrinter) RawDataIn(index swo.TrcIndex, traceID uint8, data []byte) {
	if p.IsMuted() || len(data) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Raw Data; Index%7d; ", index)
	if traceID == 0 {
		fmt.Fprintf(&sb, "%15s", "SWO_DATA; ")
	} else {
		fmt.Fprintf(&sb, "%10s0x%02x]; ", "ID_DATA[", traceID)
	}

	lineBytes := 0
	for _, b := range data {
		if lineBytes == 16 {
			sb.WriteString("\n")
			lineBytes = 0
		}
		fmt.Fprintf(&sb, "%02x ", b)
		lineBytes++
	}
	sb.WriteString("\n")
	p.ItemPrintLine(sb.String())
}
