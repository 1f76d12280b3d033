package lister

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"swoitm/internal/common"
	"swoitm/internal/feeder"
	"swoitm/internal/formatter"
	"swoitm/internal/itm"
	"swoitm/internal/printers"
	"swoitm/internal/swo"
)

// Config holds the settings of one listing run.
type Config struct {
	Source  string           // registered source name
	Sources *feeder.Registry // nil for feeder.Default()
	Feeder  feeder.Options

	TPIUID     uint8  // trace ID to extract from TPIU frames, 0 for a raw SWO stream
	Timestamps bool   // track local and global time per packet
	TSPrescale uint32 // local timestamp prescaler, 0 for none
	RawDump    bool   // print every chunk handed to the decoder
	NoStats    bool
	LogPackets bool // also send every printed line to Logger

	// CloseTimeout bounds the wait for a pending read after cancellation,
	// <= 0 for DefaultCloseTimeout.
	CloseTimeout time.Duration

	Logger       common.Logger
	OutputWriter io.Writer
}

// DefaultCloseTimeout is how long Run waits for the source to return after
// it was closed on cancellation.
const DefaultCloseTimeout = 500 * time.Millisecond

// Run opens the configured source and prints every decoded packet until the
// stream ends or ctx is cancelled. Cancelling ctx closes the source so that a
// blocked read returns.
func Run(ctx context.Context, cfg Config) error {
	w := cfg.OutputWriter
	if w == nil {
		w = os.Stdout
	}
	log := cfg.Logger
	if log == nil {
		log = common.NewNoOpLogger()
	}
	reg := cfg.Sources
	if reg == nil {
		reg = feeder.Default()
	}

	itmCfg := itm.NewConfig()
	if cfg.Timestamps {
		itmCfg.SetTimestamps(true)
		if cfg.TSPrescale != 0 {
			if err := itmCfg.SetTSPrescale(cfg.TSPrescale); err != nil {
				return err
			}
		}
	}
	if cfg.TPIUID != 0 {
		if !swo.IsValidTraceID(cfg.TPIUID) {
			return common.NewErrorf(swo.ErrInvalidID, "TPIU trace ID 0x%02X out of range", cfg.TPIUID)
		}
		itmCfg.SetTraceID(cfg.TPIUID)
	}

	fmt.Fprintln(w, "ITM Packet Lister: SWO stream decoder")
	fmt.Fprintln(w, "-------------------------------------")
	fmt.Fprintf(w, "Using %s as trace source\n", cfg.Source)

	opts := cfg.Feeder
	if opts.Logger == nil {
		opts.Logger = log
	}
	src, closer, err := reg.Open(ctx, cfg.Source, opts)
	if err != nil {
		return fmt.Errorf("open source %q: %w", cfg.Source, err)
	}

	var dfmt *formatter.Source
	if itmCfg.TraceID() != 0 {
		fmt.Fprintf(w, "Extracting trace ID 0x%02X from TPIU frames\n", itmCfg.TraceID())
		dfmt, err = formatter.NewSource(src, itmCfg.TraceID(), formatter.WithLogger(log))
		if err != nil {
			closer.Close()
			return err
		}
		src = dfmt
	}

	printer := printers.NewPktPrinter()
	printer.SetOutput(w)
	if cfg.LogPackets {
		printer.SetMessageLogger(log)
	}
	if cfg.RawDump {
		src = rawDumpSource(src, itmCfg.TraceID(), printers.NewRawDataPrinter(w))
	}

	dec := itm.NewDecoder(src, itm.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		if itmCfg.TimestampsEnabled() {
			return listTimed(gctx, itm.NewTimeTracker(dec, itmCfg), printer)
		}
		return list(gctx, dec, printer)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			log.Debug("closing source")
		case <-done:
		}
		return closer.Close()
	})
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	select {
	case err = <-waited:
	case <-ctx.Done():
		// closing the source releases a pending read, except for readers
		// such as stdin that cannot be interrupted
		select {
		case err = <-waited:
		case <-time.After(cfg.closeTimeout()):
			log.Warning("source read still pending after close, abandoning it")
			return nil
		}
	}

	if !cfg.NoStats {
		printer.StatsIn(dec.Stats())
		if dfmt != nil {
			printer.FramesIn(dfmt.Frames())
		}
	}
	return err
}

func (cfg Config) closeTimeout() time.Duration {
	if cfg.CloseTimeout <= 0 {
		return DefaultCloseTimeout
	}
	return cfg.CloseTimeout
}

// stopped reports whether err ended the listing only because the run was
// cancelled and the source closed underneath it.
func stopped(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func list(ctx context.Context, dec *itm.Decoder, printer *printers.PktPrinter) error {
	for pkt := range dec.Packets() {
		printer.PacketIn(dec.PacketIndex(), pkt)
		if ctx.Err() != nil {
			return nil
		}
	}
	if err := dec.Err(); err != nil && !stopped(ctx, err) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func listTimed(ctx context.Context, tt *itm.TimeTracker, printer *printers.PktPrinter) error {
	for ctx.Err() == nil {
		tp, status, err := tt.Next()
		if stopped(ctx, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		switch status {
		case itm.StatusPacket:
			printer.TimedPacketIn(tt.Decoder().PacketIndex(), tp)
		case itm.StatusEndOfStream:
			return nil
		}
	}
	return nil
}

// rawDumpSource prints each chunk read from src before handing it on.
func rawDumpSource(src itm.Source, traceID uint8, p *printers.RawDataPrinter) itm.Source {
	var index swo.TrcIndex
	return itm.SourceFunc(func() ([]byte, error) {
		chunk, err := src.ReadChunk()
		p.RawDataIn(index, traceID, chunk)
		index += swo.TrcIndex(len(chunk))
		return chunk, err
	})
}
