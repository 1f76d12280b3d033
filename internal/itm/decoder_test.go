package itm

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"swoitm/internal/common"
	"swoitm/internal/swo"
)

var pktCmp = cmp.AllowUnexported(
	SoftwareTrace{}, DwtEventCounterWrap{}, ExceptionEvent{}, PcSample{},
	DwtPc{}, DwtAddrOffset{}, DwtDataValue{}, LocalTimestamp{},
	GlobalTimestamp{}, Extension{},
)

func must[P Packet](p P, err error) Packet {
	if err != nil {
		panic(err)
	}
	return p
}

type ItmStreamBuilder struct {
	data []byte
}

func (b *ItmStreamBuilder) AddBytes(v ...byte) {
	b.data = append(b.data, v...)
}

func (b *ItmStreamBuilder) AddAsync() {
	b.AddBytes(swo.SyncPattern[:]...)
}

func (b *ItmStreamBuilder) AddOverflow() {
	b.AddBytes(swo.OverflowByte)
}

func (b *ItmStreamBuilder) AddSWIT(chanID uint8, val uint32, size uint8) {
	hdr := ((chanID & 0x1F) << 3) | (size & 0x3)
	b.AddBytes(hdr)
	b.AddVal(val, size)
}

func (b *ItmStreamBuilder) AddDWT(discID uint8, val uint32, size uint8) {
	hdr := ((discID & 0x1F) << 3) | 0x04 | (size & 0x3)
	b.AddBytes(hdr)
	b.AddVal(val, size)
}

func (b *ItmStreamBuilder) AddVal(val uint32, size uint8) {
	if size >= 1 {
		b.AddBytes(byte(val & 0xFF))
	}
	if size >= 2 {
		b.AddBytes(byte((val >> 8) & 0xFF))
	}
	if size == 3 { // size 3 maps to 4 bytes in ITM
		b.AddBytes(byte((val>>16)&0xFF), byte((val>>24)&0xFF))
	}
}

func (b *ItmStreamBuilder) AddLTS(tc uint8, val uint32, size uint8) {
	hdr := ((tc & 0x3) << 4) | 0x80 | 0x40 // TS_CONT | TS_TC_BIT
	b.AddBytes(hdr)
	b.addContVal(uint64(val), size)
}

func (b *ItmStreamBuilder) AddLTSSync(val uint8) {
	hdr := (val & 0x7) << 4
	b.AddBytes(hdr)
}

// AddGTS1 writes a full 4 byte GTS1 with the flag bits above bit 25.
func (b *ItmStreamBuilder) AddGTS1(ts uint32, wrap, clkCh bool) {
	val := uint64(ts & 0x3FFFFFF)
	if clkCh {
		val |= 1 << 26
	}
	if wrap {
		val |= 1 << 27
	}
	b.AddBytes(0xB4)
	b.addContVal(val, 4)
}

func (b *ItmStreamBuilder) AddGTS2(val uint32, size uint8) {
	b.AddBytes(0x94)
	b.addContVal(uint64(val), size)
}

func (b *ItmStreamBuilder) addContVal(val uint64, numBytes uint8) {
	for i := uint8(0); i < numBytes-1; i++ {
		b.AddBytes(byte((val & 0x7F) | 0x80))
		val >>= 7
	}
	b.AddBytes(byte(val & 0x7F))
}

// AddExtension writes an extension packet; numBytes is the continuation
// payload length, 0 for the single byte form.
func (b *ItmStreamBuilder) AddExtension(srcHW bool, info uint32, numBytes uint8) {
	hdr := uint8(0x08) | uint8(info&0x7)<<4
	if srcHW {
		hdr |= 0x4
	}
	if numBytes == 0 {
		b.AddBytes(hdr)
		return
	}
	b.AddBytes(hdr | 0x80)
	b.addContVal(uint64(info>>3), numBytes)
}

var decodeVectors = []struct {
	name string
	raw  []byte
	want Packet
}{
	{"overflow", []byte{0x70}, Overflow{}},
	{"lts compact", []byte{0x30}, must(NewLocalTimestamp(3, TCSync))},
	{"lts 1 byte", []byte{0xA0, 0x44}, must(NewLocalTimestamp(0x44, TCDelayedEvent))},
	{"lts 2 byte", []byte{0xB0, 0xC4, 0x22}, must(NewLocalTimestamp(0x1144, TCDelayedDataEvent))},
	{"lts 3 byte", []byte{0x80, 0xC4, 0xA2, 0x11}, must(NewLocalTimestamp(0x45144, TCSync))},
	{"lts 4 byte", []byte{0x90, 0xC4, 0xA2, 0x91, 0x77}, must(NewLocalTimestamp(0xEE45144, TCDelayedData))},
	{"gts1 wrap clk", []byte{0xB4, 0xC4, 0xA2, 0x91, 0x77}, must(NewGTS1(0x2E45144, true, true))},
	{"gts1 wrap", []byte{0xB4, 0xC4, 0xA2, 0x91, 0x57}, must(NewGTS1(0x2E45144, true, false))},
	{"gts1 clk", []byte{0xB4, 0xC4, 0xA2, 0x91, 0x37}, must(NewGTS1(0x2E45144, false, true))},
	{"gts1 plain", []byte{0xB4, 0xC4, 0xA2, 0x91, 0x17}, must(NewGTS1(0x2E45144, false, false))},
	{"gts2", []byte{0x94, 0xC4, 0xA2, 0x91, 0x77}, must(NewGTS2(0xEE45144))},
	{"ext sw", []byte{0x78}, must(NewExtension(false, 7))},
	{"ext hw", []byte{0x3C}, must(NewExtension(true, 3))},
	{"ext 2 byte", []byte{0xF8, 0x32}, must(NewExtension(false, 0x197))},
	{"ext 3 byte", []byte{0xBC, 0xB2, 0x1A}, must(NewExtension(true, 0x6993))},
	{"swit 4 byte", []byte{0x13, 'a', 'b', 'c', 'd'}, must(NewSoftwareTrace(2, []byte("abcd")))},
	{"swit 2 byte", []byte{0x1A, 'a', 'b'}, must(NewSoftwareTrace(3, []byte("ab")))},
	{"counter wrap", []byte{0x05, 0x0A}, must(NewDwtEventCounterWrap(CounterEXC | CounterLSU))},
	{"exception", []byte{0x0E, 0x05, 0x21}, must(NewExceptionEvent(0x105, ExcExit))},
	{"pc sleep", []byte{0x15, 0x00}, NewPcSampleSleep()},
	{"pc", []byte{0x17, 0xAA, 0xBB, 0xCC, 0xDD}, NewPcSample(0xDDCCBBAA)},
	{"dwt pc", []byte{0x57, 0xAA, 0xBB, 0xCC, 0xDD}, must(NewDwtPc(1, 0xDDCCBBAA))},
	{"dwt addr", []byte{0x6F, 0xAB, 0xCD, 0xEF, 0x01}, must(NewDwtAddrOffset(2, 0x01EFCDAB))},
	{"dwt read", []byte{0xA6, 0xAB, 0xCD}, must(NewDwtDataValue(2, 0xCDAB, false, 2))},
	{"dwt write", []byte{0xAD, 0xAB}, must(NewDwtDataValue(2, 0xAB, true, 1))},
}

func TestDecodeVectors(t *testing.T) {
	for _, tt := range decodeVectors {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			d.Feed(tt.raw)

			pkt, status, err := d.Next()
			if err != nil || status != StatusPacket {
				t.Fatalf("Next status=%v err=%v want packet", status, err)
			}
			if diff := cmp.Diff(tt.want, pkt, pktCmp); diff != "" {
				t.Fatalf("packet mismatch (-want +got):\n%s", diff)
			}

			pkt, status, err = d.Next()
			if err != nil || status != StatusNeedMoreData || pkt != nil {
				t.Fatalf("second Next=%v,%v,%v want need more data", pkt, status, err)
			}
			if d.Buffered() != 0 {
				t.Fatalf("Buffered=%d want 0", d.Buffered())
			}
		})
	}
}

func TestDecodeIncremental(t *testing.T) {
	for _, tt := range decodeVectors {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			for i, b := range tt.raw {
				d.Feed([]byte{b})
				pkt, status, err := d.Next()
				if err != nil {
					t.Fatalf("byte %d: %v", i, err)
				}
				if i < len(tt.raw)-1 {
					if status != StatusNeedMoreData {
						t.Fatalf("byte %d: status=%v want need more data", i, status)
					}
					if d.Buffered() != i+1 {
						t.Fatalf("byte %d: Buffered=%d, partial packet bytes were dropped", i, d.Buffered())
					}
					continue
				}
				if status != StatusPacket {
					t.Fatalf("last byte: status=%v want packet", status)
				}
				if diff := cmp.Diff(tt.want, pkt, pktCmp); diff != "" {
					t.Fatalf("packet mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestSyncPattern(t *testing.T) {
	d := NewDecoder(nil)
	if d.Synced() {
		t.Fatalf("new decoder reports sync")
	}
	d.Feed(swo.SyncPattern[:])
	pkt, status, err := d.Next()
	if pkt != nil || status != StatusNeedMoreData || err != nil {
		t.Fatalf("Next=%v,%v,%v want no packet", pkt, status, err)
	}
	if !d.Synced() {
		t.Fatalf("Synced=false after sync pattern")
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered=%d want 0", d.Buffered())
	}
	if s := d.Stats(); s.SyncPackets != 1 || s.Packets != 0 {
		t.Fatalf("Stats=%+v", s)
	}

	// extra leading zeros are part of the sync run
	d = NewDecoder(nil)
	d.Feed([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0x80})
	d.Next()
	if !d.Synced() {
		t.Fatalf("Synced=false after long sync run")
	}
}

func TestSyncNeedsFullZeroRun(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"lts header first", []byte{0x80, 0xC4, 0xA2, 0x11}},
		{"short zero run", []byte{0x00, 0x00, 0x00, 0x80, 0xC4, 0xA2, 0x11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			d.Feed(tt.raw)

			pkt, status, err := d.Next()
			if err != nil || status != StatusPacket {
				t.Fatalf("Next status=%v err=%v want packet", status, err)
			}
			want := must(NewLocalTimestamp(0x45144, TCSync))
			if diff := cmp.Diff(want, pkt, pktCmp); diff != "" {
				t.Fatalf("packet mismatch (-want +got):\n%s", diff)
			}
			if d.Synced() || d.Stats().SyncPackets != 0 {
				t.Fatalf("Synced=%v SyncPackets=%d without a full sync pattern", d.Synced(), d.Stats().SyncPackets)
			}
			if d.PacketIndex() != swo.TrcIndex(len(tt.raw)-4) {
				t.Fatalf("PacketIndex=%d want %d", d.PacketIndex(), len(tt.raw)-4)
			}
		})
	}
}

func TestStrayZeroClearsSync(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed(swo.SyncPattern[:])
	d.Next()
	if !d.Synced() {
		t.Fatalf("not synced")
	}
	d.Feed([]byte{0x00})
	pkt, status, _ := d.Next()
	if pkt != nil || status != StatusNeedMoreData {
		t.Fatalf("stray zero produced %v,%v", pkt, status)
	}
	if d.Synced() {
		t.Fatalf("Synced=true after stray zero")
	}
	if d.Buffered() != 0 {
		t.Fatalf("stray zero not consumed")
	}
}

func TestNeedMoreDataKeepsSync(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed(swo.SyncPattern[:])
	d.Feed([]byte{0x05})
	pkt, status, _ := d.Next()
	if pkt != nil || status != StatusNeedMoreData {
		t.Fatalf("Next=%v,%v want need more data", pkt, status)
	}
	if !d.Synced() || d.Buffered() != 1 {
		t.Fatalf("Synced=%v Buffered=%d want true,1", d.Synced(), d.Buffered())
	}
	if d.Stats().Resyncs != 0 {
		t.Fatalf("short payload counted as resync")
	}

	d.Feed([]byte{0x20})
	pkt, status, _ = d.Next()
	if status != StatusPacket {
		t.Fatalf("status=%v want packet", status)
	}
	if diff := cmp.Diff(must(NewDwtEventCounterWrap(CounterCYC)), pkt, pktCmp); diff != "" {
		t.Fatalf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestResync(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		want      []Packet
		resyncs   uint64
		remaining int
	}{
		{"reserved protocol header", []byte{0x04}, nil, 1, 0},
		{"reserved headers then overflow", []byte{0x04, 0x14, 0x24, 0x70}, []Packet{Overflow{}}, 3, 0},
		{
			name:    "event counter with 2 byte payload",
			raw:     []byte{0x06, 0x01, 0x02},
			want:    []Packet{must(NewSoftwareTrace(0, []byte{0x02}))},
			resyncs: 1,
		},
		{
			name:      "exception with 1 byte payload",
			raw:       []byte{0x0D, 0x05},
			resyncs:   1,
			remaining: 1, // 0x05 now waits for its payload
		},
		{"pc sample with 2 byte payload", []byte{0x16, 0x00, 0x00}, nil, 1, 0},
		{"reserved discriminator", []byte{0x1D, 0x42}, nil, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			d.Feed(swo.SyncPattern[:])
			d.Feed(tt.raw)

			var got []Packet
			for p := range d.Packets() {
				got = append(got, p)
			}
			if diff := cmp.Diff(tt.want, got, pktCmp); diff != "" {
				t.Fatalf("packets mismatch (-want +got):\n%s", diff)
			}
			if d.Synced() {
				t.Fatalf("still synced after resync")
			}
			if r := d.Stats().Resyncs; r != tt.resyncs {
				t.Fatalf("Resyncs=%d want %d", r, tt.resyncs)
			}
			if d.Buffered() != tt.remaining {
				t.Fatalf("Buffered=%d want %d", d.Buffered(), tt.remaining)
			}
			if d.Err() != nil {
				t.Fatalf("resync surfaced as error: %v", d.Err())
			}
		})
	}
}

func TestDecodeMixedStream(t *testing.T) {
	sb := &ItmStreamBuilder{}
	sb.AddBytes(0x04, 0x14, 0x24)
	sb.AddAsync()
	sb.AddOverflow()
	sb.AddSWIT(3, 0xBB, 1)
	sb.AddSWIT(1, 0x2345, 2)
	sb.AddSWIT(1, 0x67890123, 3)
	sb.AddDWT(0, 0x15, 1)
	sb.AddDWT(1, 0x1012, 2)
	sb.AddDWT(2, 0x1000, 3)
	sb.AddDWT(0x0A, 0x20000400, 3)
	sb.AddDWT(0x09, 0x1234, 2)
	sb.AddDWT(0x14, 0x44, 1)
	sb.AddDWT(0x11, 0x33, 1)
	sb.AddLTSSync(3)
	sb.AddLTS(1, 0x1234, 2)
	sb.AddGTS1(0x123456, false, true)
	sb.AddGTS2(0x55, 1)
	sb.AddExtension(false, 2, 0)
	sb.AddExtension(true, 0x197, 1)

	want := []Packet{
		Overflow{},
		must(NewSoftwareTrace(3, []byte{0xBB})),
		must(NewSoftwareTrace(1, []byte{0x45, 0x23})),
		must(NewSoftwareTrace(1, []byte{0x23, 0x01, 0x89, 0x67})),
		must(NewDwtEventCounterWrap(0x15)),
		must(NewExceptionEvent(0x12, ExcEnter)),
		NewPcSample(0x1000),
		must(NewDwtPc(1, 0x20000400)),
		must(NewDwtAddrOffset(0, 0x1234)),
		must(NewDwtDataValue(2, 0x44, false, 1)),
		must(NewDwtDataValue(0, 0x33, true, 1)),
		must(NewLocalTimestamp(3, TCSync)),
		must(NewLocalTimestamp(0x1234, TCDelayedData)),
		must(NewGTS1(0x123456, false, true)),
		must(NewGTS2(0x55)),
		must(NewExtension(false, 2)),
		must(NewExtension(true, 0x197)),
	}

	d := NewDecoder(nil)
	d.Feed(sb.data)

	var got []Packet
	var indexes []swo.TrcIndex
	for p := range d.Packets() {
		got = append(got, p)
		indexes = append(indexes, d.PacketIndex())
	}
	if diff := cmp.Diff(want, got, pktCmp); diff != "" {
		t.Fatalf("packets mismatch (-want +got):\n%s", diff)
	}
	if indexes[0] != 9 || indexes[1] != 10 || indexes[2] != 12 {
		t.Fatalf("packet indexes=%v want 9,10,12,...", indexes[:3])
	}
	s := d.Stats()
	if s.Packets != uint64(len(want)) || s.Resyncs != 3 || s.SyncPackets != 1 {
		t.Fatalf("Stats=%+v", s)
	}
	if s.BytesConsumed != uint64(len(sb.data)) {
		t.Fatalf("BytesConsumed=%d want %d", s.BytesConsumed, len(sb.data))
	}
	if !d.Synced() {
		t.Fatalf("lost sync on a clean stream")
	}
}

// chunkSource hands out fixed chunks and then io.EOF.
type chunkSource struct {
	chunks [][]byte
	calls  int
}

func (s *chunkSource) ReadChunk() ([]byte, error) {
	s.calls++
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func TestSourceDrivenDecode(t *testing.T) {
	src := &chunkSource{chunks: [][]byte{
		{0x00, 0x00, 0x00},
		{0x00, 0x00, 0x80, 0x13, 'a'},
		{'b', 'c'},
		{'d', 0x70, 0x17, 0xAA},
		{0xBB, 0xCC, 0xDD, 0x90},
	}}
	d := NewDecoder(src)

	var got []Packet
	for p := range d.Packets() {
		got = append(got, p)
	}
	want := []Packet{
		must(NewSoftwareTrace(2, []byte("abcd"))),
		Overflow{},
		NewPcSample(0xDDCCBBAA),
	}
	if diff := cmp.Diff(want, got, pktCmp); diff != "" {
		t.Fatalf("packets mismatch (-want +got):\n%s", diff)
	}
	if d.Err() != nil {
		t.Fatalf("Err=%v", d.Err())
	}
	if !d.Exhausted() {
		t.Fatalf("Exhausted=false after source EOF")
	}
	if s := d.Stats(); s.DiscardedBytes != 1 {
		t.Fatalf("DiscardedBytes=%d want 1 (trailing partial header)", s.DiscardedBytes)
	}

	_, status, err := d.Next()
	if status != StatusNone || !common.IsCode(err, swo.ErrStreamExhausted) {
		t.Fatalf("Next after end of stream=%v,%v want ErrStreamExhausted", status, err)
	}
}

func TestEndOfStreamReportedOnce(t *testing.T) {
	d := NewDecoder(SourceFunc(func() ([]byte, error) {
		return []byte{0x70}, io.EOF
	}))

	pkt, status, err := d.Next()
	if err != nil || status != StatusPacket {
		t.Fatalf("first Next=%v,%v,%v", pkt, status, err)
	}
	if _, ok := pkt.(Overflow); !ok {
		t.Fatalf("packet=%T want Overflow", pkt)
	}
	_, status, err = d.Next()
	if err != nil || status != StatusEndOfStream {
		t.Fatalf("second Next status=%v err=%v want end of stream", status, err)
	}
	_, _, err = d.Next()
	if !common.IsCode(err, swo.ErrStreamExhausted) {
		t.Fatalf("third Next err=%v want ErrStreamExhausted", err)
	}
}

func TestDecodesBufferBeforeReading(t *testing.T) {
	d := NewDecoder(SourceFunc(func() ([]byte, error) {
		t.Fatalf("source read while a packet was buffered")
		return nil, nil
	}))
	d.Feed([]byte{0x70})
	if _, status, err := d.Next(); status != StatusPacket || err != nil {
		t.Fatalf("Next=%v,%v", status, err)
	}
}

func TestSourceReadsOneChunkPerPull(t *testing.T) {
	src := &chunkSource{chunks: [][]byte{{0x17}, {0xAA, 0xBB}, {0xCC, 0xDD}}}
	d := NewDecoder(src)

	for i := 0; i < 2; i++ {
		if _, status, err := d.Next(); status != StatusNeedMoreData || err != nil {
			t.Fatalf("pull %d: %v,%v want need more data", i, status, err)
		}
		if src.calls != i+1 {
			t.Fatalf("pull %d: %d source reads", i, src.calls)
		}
	}
	if _, status, _ := d.Next(); status != StatusPacket {
		t.Fatalf("third pull status=%v want packet", status)
	}
}

func TestSourceErrors(t *testing.T) {
	t.Run("empty chunk", func(t *testing.T) {
		d := NewDecoder(SourceFunc(func() ([]byte, error) { return []byte{}, nil }))
		_, status, err := d.Next()
		if status != StatusNone || !common.IsCode(err, swo.ErrSourceEmptyChunk) {
			t.Fatalf("Next=%v,%v want ErrSourceEmptyChunk", status, err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		linkDown := errors.New("link down")
		calls := 0
		d := NewDecoder(SourceFunc(func() ([]byte, error) {
			calls++
			if calls == 1 {
				return []byte{0x70, 0x70}, nil
			}
			return nil, linkDown
		}))
		n := 0
		for range d.Packets() {
			n++
		}
		if n != 2 {
			t.Fatalf("got %d packets before failure want 2", n)
		}
		if !common.IsCode(d.Err(), swo.ErrSourceRead) {
			t.Fatalf("Err=%v want ErrSourceRead", d.Err())
		}
		if !strings.Contains(d.Err().Error(), "link down") {
			t.Fatalf("Err=%v lost source message", d.Err())
		}
		if d.Exhausted() {
			t.Fatalf("read failure treated as end of stream")
		}
	})
}

func TestPacketsStopsOnBreak(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte{0x70, 0x70, 0x70})
	for range d.Packets() {
		break
	}
	if d.Buffered() != 2 {
		t.Fatalf("Buffered=%d want 2", d.Buffered())
	}
}

func TestResyncIsLogged(t *testing.T) {
	var out bytes.Buffer
	d := NewDecoder(nil, WithLogger(common.NewLogrusLoggerWithWriter(&out, common.SeverityDebug, "itm")))
	d.Feed([]byte{0x04})
	d.Next()
	for _, want := range []string{"resync at index 0", "SWO_ERR_INVALID_PCKT_HDR", "header 0x04"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("resync log missing %q, got: %s", want, out.String())
		}
	}
}
