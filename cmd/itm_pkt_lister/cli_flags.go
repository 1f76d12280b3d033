package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/peterbourgon/ff/v3"

	"swoitm/internal/common"
	"swoitm/internal/feeder"
)

const (
	defaultArgSource   = feeder.SourceFile
	defaultArgLogLevel = "info"
)

// Help strings for command line arguments
var (
	sourceHelp = "Byte source to decode from, one of: " +
		strings.Join(feeder.Default().Names(), ", ") + "."
	fileHelp         = "Capture file for the file source, '-' or empty for stdin."
	readSizeHelp     = "Chunk size in bytes for the file source."
	tcpHelp          = "host:port of an SWO TCP server for the tcp source."
	reconnectHelp    = "Reconnect when the TCP server closes the connection."
	ipv6Help         = "Connect to the TCP server over IPv6."
	stlinkSerialHelp = "Serial number of the ST-Link to use when several are attached."
	swoHzHelp        = "SWO baud rate for the stlink source, 0 for the probe maximum."
	tpiuIDHelp       = "Extract this trace ID from TPIU formatted frames, 0 when the formatter is bypassed."
	timestampsHelp   = "Track and print local and global timestamps per packet."
	tsPrescaleHelp   = "Local timestamp prescaler programmed in ITM_TCR (1, 4, 16 or 64)."
	rawHelp          = "Dump the raw bytes handed to the decoder."
	noStatsHelp      = "Do not print the decoder statistics at the end of the run."
	logLevelHelp     = "Log level: panic, fatal, error, warn, info, debug or trace."
	logPacketsHelp   = "Also log every printed line at info level."
	configHelp       = "Plain config file with one 'flag value' pair per line."
)

type arguments struct {
	source       string
	file         string
	readSize     int
	tcp          string
	reconnect    bool
	ipv6         bool
	stlinkSerial string
	swoHz        uint64
	tpiuID       uint
	timestamps   bool
	tsPrescale   uint64
	raw          bool
	noStats      bool
	logLevel     string
	logPackets   bool
	config       string

	fs *flag.FlagSet
}

func (args *arguments) SanityCheck() error {
	if args.tpiuID > 0x6F {
		return fmt.Errorf("TPIU trace ID 0x%X out of range 0x01-0x6F", args.tpiuID)
	}
	if args.swoHz > math.MaxUint32 {
		return errors.New("SWO baud rate out of range")
	}
	if args.tsPrescale > math.MaxUint32 {
		return errors.New("timestamp prescaler out of range")
	}
	if _, err := common.ParseSeverity(args.logLevel); err != nil {
		return err
	}
	if args.source == feeder.SourceTCP && args.tcp == "" {
		return errors.New("tcp source needs -tcp host:port")
	}
	return nil
}

func parseArgs(argv []string) (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("itm_pkt_lister", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.config, "config", "", configHelp)
	fs.StringVar(&args.file, "file", "", fileHelp)
	fs.BoolVar(&args.ipv6, "ipv6", false, ipv6Help)
	fs.StringVar(&args.logLevel, "log-level", defaultArgLogLevel, logLevelHelp)
	fs.BoolVar(&args.logPackets, "log-packets", false, logPacketsHelp)
	fs.BoolVar(&args.noStats, "no-stats", false, noStatsHelp)
	fs.BoolVar(&args.raw, "raw", false, rawHelp)
	fs.IntVar(&args.readSize, "read-size", feeder.DefaultReadSize, readSizeHelp)
	fs.BoolVar(&args.reconnect, "reconnect", false, reconnectHelp)
	fs.StringVar(&args.source, "source", defaultArgSource, sourceHelp)
	fs.StringVar(&args.stlinkSerial, "stlink-serial", "", stlinkSerialHelp)
	fs.Uint64Var(&args.swoHz, "swo-hz", 0, swoHzHelp)
	fs.StringVar(&args.tcp, "tcp", "", tcpHelp)
	fs.BoolVar(&args.timestamps, "timestamps", false, timestampsHelp)
	fs.UintVar(&args.tpiuID, "tpiu-id", 0, tpiuIDHelp)
	fs.Uint64Var(&args.tsPrescale, "ts-prescale", 1, tsPrescaleHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, argv,
		ff.WithEnvVarPrefix("SWOITM"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
