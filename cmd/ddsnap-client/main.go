package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	ddsnap "github.com/ddsnap/client"
	"github.com/ddsnap/client/internal/logging"
)

func main() {
	var verbose = flag.Bool("v", false, "verbose output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <snapshot-path> <origin-path> <agent-socket> <snap>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}

	snapPath := flag.Arg(0)
	originPath := flag.Arg(1)
	agentSocket := flag.Arg(2)
	snap, err := strconv.ParseInt(flag.Arg(3), 10, 32)
	if err != nil {
		log.Fatalf("invalid snap number %q: %v", flag.Arg(3), err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := ddsnap.DefaultConfig()
	cfg.SnapPath = snapPath
	cfg.OriginPath = originPath
	cfg.AgentSocketPath = agentSocket
	cfg.Snap = int32(snap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("opening device", "snap", cfg.Snap, "agent_socket", cfg.AgentSocketPath)
	device, err := ddsnap.Open(cfg, &ddsnap.Options{Context: ctx, Logger: logger})
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	logger.Info("device open", "snap", device.Snap(), "is_snapshot", device.IsSnapshotRole())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	snap2 := device.Metrics().Snapshot()
	logger.Info("final metrics",
		"queries_sent", snap2.QueriesSent,
		"replies_ok", snap2.RepliesOK,
		"replies_failed", snap2.RepliesFailed,
		"recoveries", snap2.RecoveriesTriggered,
	)
}
