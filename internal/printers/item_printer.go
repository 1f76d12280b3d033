package printers

import (
	"fmt"
	"io"

	"swoitm/internal/common"
)

// ItemPrinter is the line sink shared by the listing printers.
type ItemPrinter struct {
	writer io.Writer
	log    common.Logger
	muted  bool
}

// NewItemPrinter constructs an ItemPrinter using the given io.Writer.
func NewItemPrinter(writer io.Writer) *ItemPrinter {
	return &ItemPrinter{
		writer: writer,
	}
}

// SetMessageLogger sets the optional logger that receives every printed line.
func (p *ItemPrinter) SetMessageLogger(logger common.Logger) {
	p.log = logger
}

// ItemPrintLine writes the given message to the writer and optionally logs it.
func (p *ItemPrinter) ItemPrintLine(msg string) {
	if p.muted {
		return
	}
	if p.writer != nil {
		fmt.Fprint(p.writer, msg)
	}
	if p.log != nil {
		p.log.Info(msg)
	}
}

// SetMute sets the printer to mute (avoids output).
func (p *ItemPrinter) SetMute(mute bool) { p.muted = mute }

// IsMuted returns true if the printer is muted.
func (p *ItemPrinter) IsMuted() bool { return p.muted }
