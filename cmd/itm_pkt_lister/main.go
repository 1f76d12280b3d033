package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"swoitm/internal/common"
	"swoitm/internal/feeder"
	"swoitm/internal/lister"
)

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	return logger, nil
}

func (args *arguments) listerConfig(log *common.LogrusLogger) lister.Config {
	return lister.Config{
		Source: args.source,
		Feeder: feeder.Options{
			File:      args.file,
			ReadSize:  args.readSize,
			Addr:      args.tcp,
			IPv6:      args.ipv6,
			Reconnect: args.reconnect,
			Serial:    args.stlinkSerial,
			SWOHz:     uint32(args.swoHz),
			Logger:    log.Named("feeder"),
		},
		TPIUID:       uint8(args.tpiuID),
		Timestamps:   args.timestamps,
		TSPrescale:   uint32(args.tsPrescale),
		RawDump:      args.raw,
		NoStats:      args.noStats,
		LogPackets:   args.logPackets,
		Logger:       log,
		OutputWriter: os.Stdout,
	}
}

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	args, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ITM Packet Lister : Error: %v\n", err)
		return 2
	}
	if err := args.SanityCheck(); err != nil {
		fmt.Fprintf(os.Stderr, "ITM Packet Lister : Error: %v\n", err)
		args.fs.Usage()
		return 2
	}

	logger, err := newLogger(args.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ITM Packet Lister : Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := common.NewLogrusLogger(logger, "itm")
	if err := lister.Run(ctx, args.listerConfig(log)); err != nil {
		logger.Errorf("listing failed: %v", err)
		return 1
	}
	return 0
}
