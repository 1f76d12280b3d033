package printers

import (
	"fmt"
	"io"
	"os"
	"strings"

	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

// PktPrinter prints decoded ITM packets one per line.
type PktPrinter struct {
	ItemPrinter
	printed uint64
}

func NewPktPrinter() *PktPrinter {
	return &PktPrinter{
		ItemPrinter: *NewItemPrinter(os.Stdout),
	}
}

// SetOutput allows redirecting the printer output
func (p *PktPrinter) SetOutput(w io.Writer) {
	if w != nil {
		p.writer = w
	}
}

// Printed returns the number of packets printed so far.
func (p *PktPrinter) Printed() uint64 { return p.printed }

// PacketIn prints "Idx:<N>; <packet>".
func (p *PktPrinter) PacketIn(index swo.TrcIndex, pkt itm.Packet) {
	p.printed++
	p.ItemPrintLine(fmt.Sprintf("Idx:%d; %s\n", index, pkt))
}

// TimedPacketIn prints a packet followed by the timing state in force.
func (p *PktPrinter) TimedPacketIn(index swo.TrcIndex, tp itm.TimedPacket) {
	p.printed++
	var sb strings.Builder
	fmt.Fprintf(&sb, "Idx:%d; %s", index, tp.Packet)
	if tp.Local.Valid {
		fmt.Fprintf(&sb, "; LTS=%d", tp.Local.Ticks)
	}
	if tp.Global.Valid {
		fmt.Fprintf(&sb, "; GTS=%d", tp.Global.Ticks)
	}
	if tp.Overflow {
		sb.WriteString("; after overflow")
	}
	if tp.ClockChange {
		sb.WriteString("; clock changed")
	}
	sb.WriteString("\n")
	p.ItemPrintLine(sb.String())
}

// StatsIn prints the decoder statistics summary.
func (p *PktPrinter) StatsIn(st itm.Stats) {
	var sb strings.Builder
	sb.WriteString("ITM decoder statistics\n")
	fmt.Fprintf(&sb, "  Packets decoded   : %d\n", st.Packets)
	fmt.Fprintf(&sb, "  Sync patterns     : %d\n", st.SyncPackets)
	fmt.Fprintf(&sb, "  Resyncs           : %d\n", st.Resyncs)
	fmt.Fprintf(&sb, "  Bytes consumed    : %d\n", st.BytesConsumed)
	fmt.Fprintf(&sb, "  Bytes discarded   : %d\n", st.DiscardedBytes)
	p.ItemPrintLine(sb.String())
}

// FramesIn prints the number of TPIU frames the deformatter unpacked.
func (p *PktPrinter) FramesIn(frames uint64) {
	p.ItemPrintLine(fmt.Sprintf("  TPIU frames       : %d\n", frames))
}
