package itm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"

	"swoitm/internal/common"
	"swoitm/internal/swo"
)

// Status is the outcome of a single pull on the decoder.
type Status int

const (
	StatusNone         Status = iota // only returned together with an error
	StatusPacket                     // a packet was decoded and consumed
	StatusNeedMoreData               // buffered bytes do not hold a complete packet
	StatusEndOfStream                // source exhausted, no further packets
)

func (s Status) String() string {
	switch s {
	case StatusPacket:
		return "packet"
	case StatusNeedMoreData:
		return "need more data"
	case StatusEndOfStream:
		return "end of stream"
	default:
		return "none"
	}
}

// Stats counts decoder activity since creation.
type Stats struct {
	Packets        uint64 // packets returned
	SyncPackets    uint64 // sync patterns recognised
	Resyncs        uint64 // reserved or malformed headers skipped
	DiscardedBytes uint64 // bytes dropped by resync or left over at end of stream
	BytesConsumed  uint64
}

type stepKind int

const (
	stepDecoded stepKind = iota
	stepNeedMore
	stepResync
)

// stepResult is the outcome of decoding one packet at the front of the buffer.
type stepResult struct {
	kind     stepKind
	consumed int
	pkt      Packet
	reason   string // resync only
}

func decoded(pkt Packet, consumed int) stepResult {
	return stepResult{kind: stepDecoded, consumed: consumed, pkt: pkt}
}

func needMore() stepResult {
	return stepResult{kind: stepNeedMore}
}

func resync(reason string) stepResult {
	return stepResult{kind: stepResync, consumed: 1, reason: reason}
}

// fromCtor turns a packet constructor result into a step. Decode paths only
// pass in range values, so a constructor failure is treated as a bad packet.
func fromCtor[P Packet](pkt P, err error, consumed int) stepResult {
	if err != nil {
		return resync(err.Error())
	}
	return decoded(pkt, consumed)
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for resync and end of stream diagnostics.
func WithLogger(l common.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

// Decoder converts an incoming SWO byte stream into ITM packets.
//
// Bytes arrive either through Feed or from the Source given to NewDecoder.
// The decoder is pull driven and not safe for concurrent use.
type Decoder struct {
	src Source
	log common.Logger

	buf    bytes.Buffer
	probe  [swo.SyncLen]byte
	synced bool

	offset      swo.TrcIndex // stream offset of the front of buf
	packetIndex swo.TrcIndex

	srcDone   bool
	exhausted bool
	err       error

	stats Stats
}

// NewDecoder creates a decoder reading from src. src may be nil, in which
// case bytes are only supplied through Feed.
func NewDecoder(src Source, opts ...Option) *Decoder {
	d := &Decoder{
		src:         src,
		log:         common.NewNoOpLogger(),
		packetIndex: swo.BadTrcIndex,
	}
	// no byte seen yet; a sync needs its whole zero run on the wire
	for i := range d.probe {
		d.probe[i] = 0xFF
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends raw bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf.Write(b)
}

// Synced reports whether the last sync pattern has been seen without a
// subsequent sync loss.
func (d *Decoder) Synced() bool { return d.synced }

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// PacketIndex returns the stream offset of the header of the last packet
// returned, or swo.BadTrcIndex before the first packet.
func (d *Decoder) PacketIndex() swo.TrcIndex { return d.packetIndex }

func (d *Decoder) Stats() Stats { return d.stats }

// Exhausted reports whether end of stream has been returned.
func (d *Decoder) Exhausted() bool { return d.exhausted }

// Err returns the error that stopped the last Packets iteration, if any.
func (d *Decoder) Err() error { return d.err }

// Next decodes the next packet.
//
// Buffered bytes are decoded first. Only when they do not hold a complete
// packet is one chunk requested from the source, after which decoding is
// retried once. StatusEndOfStream is returned exactly once; any later call
// fails with swo.ErrStreamExhausted.
func (d *Decoder) Next() (Packet, Status, error) {
	if d.exhausted {
		return nil, StatusNone, common.NewErrorWithIdxMsg(swo.ErrSevError, swo.ErrStreamExhausted, d.offset, "decoder pulled after end of stream")
	}

	if pkt, ok := d.decodeBuffered(); ok {
		return pkt, StatusPacket, nil
	}
	if d.src == nil {
		return nil, StatusNeedMoreData, nil
	}
	if d.srcDone {
		return nil, d.endOfStream(), nil
	}

	if err := d.readSource(); err != nil {
		return nil, StatusNone, err
	}
	if pkt, ok := d.decodeBuffered(); ok {
		return pkt, StatusPacket, nil
	}
	if d.srcDone {
		return nil, d.endOfStream(), nil
	}
	return nil, StatusNeedMoreData, nil
}

// Packets returns an iterator over decoded packets. Without a source it stops
// once the buffer is drained. With a source it keeps pulling chunks until end
// of stream or a source error; check Err afterwards.
func (d *Decoder) Packets() iter.Seq[Packet] {
	return func(yield func(Packet) bool) {
		for {
			pkt, status, err := d.Next()
			if err != nil {
				d.err = err
				return
			}
			switch status {
			case StatusPacket:
				if !yield(pkt) {
					return
				}
			case StatusNeedMoreData:
				if d.src == nil {
					return
				}
			default:
				return
			}
		}
	}
}

func (d *Decoder) readSource() error {
	chunk, err := d.src.ReadChunk()
	if len(chunk) > 0 {
		d.Feed(chunk)
	}
	switch {
	case errors.Is(err, io.EOF):
		d.srcDone = true
		return nil
	case err != nil:
		return common.NewErrorWithIdxMsg(swo.ErrSevError, swo.ErrSourceRead, d.offset, err.Error())
	case len(chunk) == 0:
		return common.NewErrorWithIdx(swo.ErrSevError, swo.ErrSourceEmptyChunk, d.offset)
	}
	return nil
}

func (d *Decoder) endOfStream() Status {
	d.exhausted = true
	if n := d.buf.Len(); n > 0 {
		d.log.Logf(common.SeverityDebug, "end of stream with %d undecoded bytes at index %d", n, d.offset)
		d.stats.DiscardedBytes += uint64(n)
		d.consume(n)
	} else {
		d.log.Debug("end of stream")
	}
	return StatusEndOfStream
}

func (d *Decoder) consume(n int) {
	d.buf.Next(n)
	d.offset += swo.TrcIndex(n)
	d.stats.BytesConsumed += uint64(n)
}

// shiftProbe returns the sync window with hdr shifted in.
func (d *Decoder) shiftProbe(hdr byte) [swo.SyncLen]byte {
	var w [swo.SyncLen]byte
	copy(w[:], d.probe[1:])
	w[swo.SyncLen-1] = hdr
	return w
}

// decodeBuffered consumes bytes from the front of the buffer until a packet
// is decoded or more data is needed.
func (d *Decoder) decodeBuffered() (Packet, bool) {
	for d.buf.Len() > 0 {
		data := d.buf.Bytes()
		hdr := data[0]
		window := d.shiftProbe(hdr)

		if window == swo.SyncPattern {
			d.probe = window
			d.synced = true
			d.stats.SyncPackets++
			d.consume(1)
			continue
		}
		if hdr == 0x00 {
			d.probe = window
			d.synced = false
			d.consume(1)
			continue
		}

		var res stepResult
		if hdr&0x03 != 0 {
			res = decodeSourcePkt(data)
		} else {
			res = decodeProtocolPkt(data)
		}

		switch res.kind {
		case stepNeedMore:
			return nil, false
		case stepResync:
			d.probe = window
			d.synced = false
			d.stats.Resyncs++
			d.stats.DiscardedBytes++
			d.log.Logf(common.SeverityDebug, "resync at index %d: %v", d.offset,
				common.NewErrorWithIdxMsg(swo.ErrSevWarn, swo.ErrInvalidPcktHdr, d.offset, fmt.Sprintf("header 0x%02X, %s", hdr, res.reason)))
			d.consume(1)
		case stepDecoded:
			d.probe = window
			d.packetIndex = d.offset
			d.stats.Packets++
			d.consume(res.consumed)
			return res.pkt, true
		}
	}
	return nil, false
}

func littleEndian(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// decodeSourcePkt decodes a software or hardware source packet.
func decodeSourcePkt(data []byte) stepResult {
	hdr := data[0]
	size := payloadSizes[hdr&0x03]
	if len(data) < swo.HeaderSize+size {
		return needMore()
	}
	payload := data[swo.HeaderSize : swo.HeaderSize+size]
	consumed := swo.HeaderSize + size
	addr := hdr >> 3

	if hdr&0x04 == 0 {
		pkt, err := NewSoftwareTrace(addr, payload)
		return fromCtor(pkt, err, consumed)
	}

	switch addr {
	case 0:
		if size != 1 {
			return resync("event counter packet needs a 1 byte payload")
		}
		pkt, err := NewDwtEventCounterWrap(CounterWrap(payload[0]) & counterWrapMask)
		return fromCtor(pkt, err, consumed)

	case 1:
		if size != 2 {
			return resync("exception packet needs a 2 byte payload")
		}
		num := uint16(payload[1]&0x01)<<8 | uint16(payload[0])
		pkt, err := NewExceptionEvent(num, ExceptionAction((payload[1]>>4)&0x03))
		return fromCtor(pkt, err, consumed)

	case 2:
		switch size {
		case 1:
			return decoded(NewPcSampleSleep(), consumed)
		case 4:
			return decoded(NewPcSample(littleEndian(payload)), consumed)
		}
		return resync("PC sample packet needs a 1 or 4 byte payload")
	}

	comp := (addr & 0x06) >> 1
	value := littleEndian(payload)
	switch disc := addr & 0x19; disc {
	case 0x08:
		pkt, err := NewDwtPc(comp, value)
		return fromCtor(pkt, err, consumed)
	case 0x09:
		pkt, err := NewDwtAddrOffset(comp, value)
		return fromCtor(pkt, err, consumed)
	case 0x10, 0x11:
		pkt, err := NewDwtDataValue(comp, value, disc&0x01 != 0, size)
		return fromCtor(pkt, err, consumed)
	}
	return resync("reserved hardware source discriminator")
}

// readContVal decodes the continuation coded payload following the header:
// up to 4 bytes, 7 bits each, least significant first. ok is false when the
// buffer ends before the value does.
func readContVal(data []byte) (n int, value uint32, ok bool) {
	const maxBytes = swo.MaxPacketSize - swo.HeaderSize
	for i := 0; i < maxBytes; i++ {
		idx := swo.HeaderSize + i
		if idx >= len(data) {
			return 0, 0, false
		}
		b := data[idx]
		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return i + 1, value, true
		}
	}
	return maxBytes, value, true
}

const (
	gts1ClockChangeBit = 1 << 26
	gts1WrapBit        = 1 << 27
)

// decodeProtocolPkt decodes overflow, timestamp and extension packets.
func decodeProtocolPkt(data []byte) stepResult {
	hdr := data[0]

	switch {
	case hdr == swo.OverflowByte:
		return decoded(Overflow{}, swo.HeaderSize)

	case hdr&0x0F == 0x00:
		if hdr&0x80 != 0 {
			n, v, ok := readContVal(data)
			if !ok {
				return needMore()
			}
			pkt, err := NewLocalTimestamp(v, TimeControl((hdr>>4)&0x03))
			return fromCtor(pkt, err, swo.HeaderSize+n)
		}
		delta := uint32(hdr>>4) & 0x07
		if delta == 0 || delta == 7 {
			return resync("reserved compact local timestamp")
		}
		pkt, err := NewLocalTimestamp(delta, TCSync)
		return fromCtor(pkt, err, swo.HeaderSize)

	case hdr&swo.GTSHdrMask == swo.GTSHdrVal:
		n, v, ok := readContVal(data)
		if !ok {
			return needMore()
		}
		if hdr&0x20 != 0 {
			pkt, err := NewGTS1(uint64(v&maxGTS1Value), v&gts1WrapBit != 0, v&gts1ClockChangeBit != 0)
			return fromCtor(pkt, err, swo.HeaderSize+n)
		}
		pkt, err := NewGTS2(uint64(v))
		return fromCtor(pkt, err, swo.HeaderSize+n)

	case hdr&0x08 != 0:
		hardware := hdr&0x04 != 0
		info := uint32(hdr>>4) & 0x07
		if hdr&0x80 == 0 {
			pkt, err := NewExtension(hardware, info)
			return fromCtor(pkt, err, swo.HeaderSize)
		}
		n, v, ok := readContVal(data)
		if !ok {
			return needMore()
		}
		pkt, err := NewExtension(hardware, v<<3|info)
		return fromCtor(pkt, err, swo.HeaderSize+n)
	}

	return resync("reserved protocol header")
}
