package itm

import (
	"swoitm/internal/common"
	"swoitm/internal/swo"
)

// Config represents ITM hardware configuration data.
// Represents the programmed and hardware configured state of an ITM device.
type Config struct {
	RegTCR uint32 // ITM_TCR image: CoreSight trace ID, TS prescaler, enables
}

const (
	tcrTSENA     = 0x00000002
	tcrSWOENA    = 0x00000010
	tcrPrescale  = 0x00000300
	tcrTraceID   = 0x007F0000
	tcrIDShift   = 16
	tcrTSPrShift = 8
)

var prescaleVals = []uint32{1, 4, 16, 64}

// NewConfig creates a default configuration
func NewConfig() *Config {
	return &Config{}
}

// SetTraceID sets the CoreSight trace ID.
func (c *Config) SetTraceID(traceID uint8) {
	c.RegTCR &= ^uint32(tcrTraceID)
	c.RegTCR |= (uint32(traceID) << tcrIDShift) & tcrTraceID
}

// TraceID gets the CoreSight trace ID.
func (c *Config) TraceID() uint8 {
	return uint8((c.RegTCR >> tcrIDShift) & 0x7F)
}

// SetTSPrescale programs the local timestamp prescaler. div must be 1, 4, 16
// or 64; anything but 1 also sets SWOENA, which the prescaler depends on.
func (c *Config) SetTSPrescale(div uint32) error {
	for idx, v := range prescaleVals {
		if v != div {
			continue
		}
		c.RegTCR &= ^uint32(tcrPrescale)
		c.RegTCR |= uint32(idx) << tcrTSPrShift
		if div != 1 {
			c.RegTCR |= tcrSWOENA
		}
		return nil
	}
	return common.NewErrorf(swo.ErrInvalidParamVal, "timestamp prescaler %d, want 1, 4, 16 or 64", div)
}

// TSPrescaleValue gets the prescaler for the local ts clock.
func (c *Config) TSPrescaleValue() uint32 {
	preScaleIdx := 0

	// prescaler is used with TPIU clock - SWOENA = 1b1 - bit[4]
	if (c.RegTCR & tcrSWOENA) != 0 {
		preScaleIdx = int((c.RegTCR & tcrPrescale) >> tcrTSPrShift)
	}
	return prescaleVals[preScaleIdx]
}

// SetTimestamps sets or clears TSENA.
func (c *Config) SetTimestamps(enable bool) {
	if enable {
		c.RegTCR |= tcrTSENA
	} else {
		c.RegTCR &= ^uint32(tcrTSENA)
	}
}

// TimestampsEnabled reports TSENA.
func (c *Config) TimestampsEnabled() bool {
	return c.RegTCR&tcrTSENA != 0
}
