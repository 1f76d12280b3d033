package itm

// Timestamp is an optional tick count.
type Timestamp struct {
	Ticks uint64
	Valid bool
}

// TimedPacket is a decoded packet with the timing state in force when it was
// decoded.
type TimedPacket struct {
	Packet Packet
	Local  Timestamp // accumulated local timestamp, prescaled
	Global Timestamp // global timestamp, valid once both halves are known

	// Overflow is set on the first packet after an overflow packet.
	Overflow bool
	// ClockChange is set on the packet that completes a global timestamp
	// after the timestamp clock changed.
	ClockChange bool
}

const (
	globalTSLowMask uint64 = 0x003FFFFFF // [25:0]
	globalTSHiMask         = ^globalTSLowMask
)

// TimeTracker wraps a Decoder and keeps local and global timestamp state.
type TimeTracker struct {
	dec *Decoder
	cfg *Config

	localTSCount uint64
	localValid   bool

	globalTS       uint64
	bGotGTS1       bool
	bNeedGTS2      bool
	bPrevOverflow  bool
	bGTSFreqChange bool
}

// NewTimeTracker creates a tracker pulling from dec. cfg may be nil, in which
// case local timestamps are not prescaled.
func NewTimeTracker(dec *Decoder, cfg *Config) *TimeTracker {
	t := &TimeTracker{dec: dec, cfg: cfg}
	t.reset()
	return t
}

func (t *TimeTracker) reset() {
	t.localTSCount = 0
	t.localValid = false
	t.globalTS = 0
	t.bGotGTS1 = false
	t.bNeedGTS2 = true
	t.bPrevOverflow = false
	t.bGTSFreqChange = false
}

// Decoder returns the wrapped decoder.
func (t *TimeTracker) Decoder() *Decoder { return t.dec }

// Next pulls the next packet from the decoder and stamps it. Status and error
// are those of the decoder.
func (t *TimeTracker) Next() (TimedPacket, Status, error) {
	pkt, status, err := t.dec.Next()
	if err != nil || status != StatusPacket {
		return TimedPacket{}, status, err
	}
	return t.track(pkt), status, nil
}

func (t *TimeTracker) prescale() uint64 {
	if t.cfg == nil {
		return 1
	}
	return uint64(t.cfg.TSPrescaleValue())
}

func (t *TimeTracker) track(pkt Packet) TimedPacket {
	out := TimedPacket{Packet: pkt}

	switch p := pkt.(type) {
	case Overflow:
		t.localTSCount = 0
		t.bPrevOverflow = true

	case LocalTimestamp:
		t.localTSCount += uint64(p.Delta()) * t.prescale()
		t.localValid = true

	case GlobalTimestamp:
		if p.Kind() == GTS1 {
			if wrap, _ := p.Wrap(); wrap {
				t.bNeedGTS2 = true
			}
			if chg, _ := p.ClockChange(); chg {
				t.bGTSFreqChange = true
			}
			t.globalTS &= globalTSHiMask
			t.globalTS |= p.Value() & globalTSLowMask
			t.bGotGTS1 = true
		} else {
			t.globalTS &= globalTSLowMask
			t.globalTS |= p.Value() << 26
			t.bNeedGTS2 = false
		}
		if t.globalValid() && t.bGTSFreqChange {
			out.ClockChange = true
			t.bGTSFreqChange = false
		}
	}

	if _, ok := pkt.(Overflow); !ok && t.bPrevOverflow {
		out.Overflow = true
		t.bPrevOverflow = false
	}

	out.Local = Timestamp{Ticks: t.localTSCount, Valid: t.localValid}
	out.Global = Timestamp{Ticks: t.globalTS, Valid: t.globalValid()}
	return out
}

func (t *TimeTracker) globalValid() bool {
	return t.bGotGTS1 && !t.bNeedGTS2
}
