// Command hipsr-server is the control/data-acquisition server for a 13-beam
// wideband spectrometer: it accepts TCS control commands over TCP, polls a
// reference FPGA board to detect integration boundaries, fans out reads
// across the board fleet, archives typed rows to an append-only store, and
// publishes lossy downsampled previews over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/boardpool"
	"github.com/telegraphic/hipsr-server/internal/config"
	"github.com/telegraphic/hipsr-server/internal/control"
	"github.com/telegraphic/hipsr-server/internal/duplicate"
	"github.com/telegraphic/hipsr-server/internal/errs"
	"github.com/telegraphic/hipsr-server/internal/hipsrlog"
	"github.com/telegraphic/hipsr-server/internal/preview"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
	"github.com/telegraphic/hipsr-server/internal/supervisor"
)

func mainImpl() error {
	flavourName := flag.String("f", "hipsr_400_8192", "firmware flavour to start with")
	skipReprogram := flag.Bool("s", false, "skip FPGA reprogram on startup (boards already running firmware)")
	testMode := flag.Bool("t", false, "test mode: use ./test as the data directory and a dummy TCS")
	dummyBoards := flag.Bool("d", false, "use synthetic dummy boards instead of dialling real hardware")
	newFileEachObs := flag.Bool("new-file-each-obs", false, "force a fresh archive file on every start command")
	configPath := flag.String("c", "", "path to a config file (defaults layered underneath)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log := hipsrlog.New(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("hipsr-server: %w", err)
	}
	if *testMode {
		cfg.DataDir = "./test"
	}

	if err := duplicate.Check(cfg.DataDir); err != nil {
		return errs.New(errs.KindDuplicate, "hipsr-server", err)
	}

	fpga, ok := cfg.Flavours[*flavourName]
	if !ok {
		return fmt.Errorf("hipsr-server: unknown flavour %q", *flavourName)
	}
	flavour := spectrum.Flavour{
		Name:        fpga.Firmware,
		ArrayLength: fpga.ArrayLength,
		XXBlocks:    fpga.XXBlocks,
		YYBlocks:    fpga.YYBlocks,
		ReXYBlocks:  fpga.ReXYBlocks,
		ImXYBlocks:  fpga.ImXYBlocks,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs := supervisor.BuildBoardSpecs(cfg)
	if len(specs) == 0 {
		return fmt.Errorf("hipsr-server: no boards configured")
	}
	boardList := supervisor.ConnectBoards(ctx, specs, flavour.ArrayLength, *dummyBoards, time.Now().UnixNano(), log)
	if !*skipReprogram {
		log.Info("hipsr-server: reprogram requested, assuming boards were flashed out-of-band")
	}
	pool := boardpool.New(boardList, 20*time.Millisecond, log)

	refSpecs := supervisor.BuildBoardSpecs(cfg)
	refBoards := supervisor.ConnectBoards(ctx, refSpecs[:1], flavour.ArrayLength, *dummyBoards, 0, log)
	refClient := refBoards[0].Client

	crashCh := make(chan error, 1)
	sink := archive.NewBoltWriter(log, func(err error) {
		select {
		case crashCh <- err:
		default:
		}
	})

	previewPub, err := preview.New(ctx, cfg.PlotterHost, cfg.PlotterPort, log)
	if err != nil {
		return fmt.Errorf("hipsr-server: %w", err)
	}

	controlSrv := control.NewServer(cfg, previewPub, log, *newFileEachObs)

	sup := supervisor.New(supervisor.Config{
		Log:            log,
		Cfg:            cfg,
		Control:        controlSrv,
		Sink:           sink,
		Preview:        previewPub,
		Pool:           pool,
		RefClient:      refClient,
		InitialFlavour: flavour,
		CrashCh:        crashCh,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("hipsr-server: interrupt received, shutting down")
		cancel()
	}()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- controlSrv.Serve(ctx) }()

	log.WithFields(logrus.Fields{
		"flavour": flavour.Name,
		"boards":  len(boardList),
		"tcs":     fmt.Sprintf("%s:%d", cfg.TCSServer, cfg.TCSPort),
	}).Info("hipsr-server: started")

	runErr := sup.Run(ctx)
	cancel()
	<-serveErrCh
	return runErr
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "hipsr-server: %s\n", err)
		os.Exit(1)
	}
}
