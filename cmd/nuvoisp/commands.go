package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nuvoisp/internal/config"
	"github.com/shaunagostinho/nuvoisp/internal/flasher"
	"github.com/shaunagostinho/nuvoisp/internal/logging"
	"github.com/shaunagostinho/nuvoisp/internal/trace"
	"github.com/shaunagostinho/nuvoisp/internal/transport"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "nuvoisp.yaml",
			Usage:   "Path to config file (missing file means defaults)",
			EnvVars: []string{"ISP_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Serial port, e.g. /dev/ttyACM0 or COM3",
		},
		&cli.IntFlag{
			Name:  "baud",
			Usage: "Baud rate",
		},
		&cli.BoolFlag{
			Name:  "no-lock",
			Usage: "Do not take the port lock file",
		},
		&cli.BoolFlag{
			Name:  "demo",
			Usage: "Talk to a simulated bootloader instead of a serial port",
		},
		&cli.DurationFlag{
			Name:  "capture-budget",
			Usage: "How long to wait for the target to be reset into the bootloader",
		},
		&cli.StringFlag{
			Name:  "expect-device-id",
			Usage: "Abort before writing unless the device reports this ID (e.g. 0x00D26300)",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "Write every packet exchanged to CSV",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "console or json",
		},
	}
}

func flashCommand() *cli.Command {
	return &cli.Command{
		Name:      "flash",
		Usage:     "Write a binary image to APROM and start it",
		ArgsUsage: "[image.bin]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "Firmware image (raw binary)",
			},
			&cli.BoolFlag{
				Name:  "erase",
				Usage: "Send ERASE_ALL before writing",
			},
			&cli.BoolFlag{
				Name:  "no-progress",
				Usage: "Do not draw a progress bar",
			},
		},
		Action: flashAction,
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "Capture the bootloader, print device ID and APROM layout, then release it",
		Action: infoAction,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "save",
				Usage: "Also write it to this file",
			},
		},
		Action: configAction,
	}
}

// env is what every command needs after flags and config are resolved.
type env struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

// setup loads the config file and applies command-line overrides, which
// always win over file and environment.
func setup(c *cli.Context) (*env, error) {
	level, format := c.String("log-level"), c.String("log-format")
	boot, err := logging.New(level, format)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}

	cfg, err := config.LoadConfig(c.String("config"), boot.Named("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitUsage)
	}

	if c.IsSet("port") {
		cfg.Port.Path = c.String("port")
	}
	if c.IsSet("baud") {
		cfg.Port.BaudRate = c.Int("baud")
	}
	if c.IsSet("no-lock") {
		cfg.Port.NoLock = c.Bool("no-lock")
	}
	if c.IsSet("capture-budget") {
		cfg.Capture.Budget = config.Duration{Duration: c.Duration("capture-budget")}
	}
	if c.IsSet("expect-device-id") {
		id, err := config.ParseDeviceID(c.String("expect-device-id"))
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("--expect-device-id: %v", err), exitUsage)
		}
		cfg.Transfer.ExpectedDeviceID = id
	}
	if c.IsSet("trace") {
		cfg.Trace.Enabled = c.Bool("trace")
	}
	if c.IsSet("erase") {
		cfg.Transfer.Erase = c.Bool("erase")
	}
	if level == "" {
		level = cfg.Log.Level
	} else {
		cfg.Log.Level = level
	}
	if format == "" {
		format = cfg.Log.Format
	} else {
		cfg.Log.Format = format
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitUsage)
	}

	log, err := logging.New(level, format)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	// one id per invocation ties log lines from the same update together
	return &env{cfg: cfg, log: log.With("run", uuid.NewString())}, nil
}

// opener returns the transport factory: the simulated device in demo
// mode, the serial port otherwise.
func (e *env) opener(demo bool) flasher.Opener {
	if demo {
		return func() (transport.Port, error) {
			e.log.Infow("using simulated bootloader")
			return transport.NewDemo(transport.DefaultDemoConfig()), nil
		}
	}
	sc := e.cfg.SerialConfig()
	return func() (transport.Port, error) {
		return transport.OpenSerial(sc, e.log.Named("serial"))
	}
}

// newFlasher builds the engine. The returned cleanup closes the trace.
func (e *env) newFlasher(c *cli.Context, extra ...flasher.Option) (*flasher.Flasher, func()) {
	opts := []flasher.Option{
		flasher.WithConfig(e.cfg.FlasherConfig()),
		flasher.WithLogger(e.log),
	}
	cleanup := func() {}
	if e.cfg.Trace.Enabled {
		rec := trace.New(trace.Config{Dir: e.cfg.Trace.Path, MaxRows: e.cfg.Trace.MaxRows}, e.log.Named("trace"))
		opts = append(opts, flasher.WithRecorder(rec))
		cleanup = func() {
			if err := rec.Close(); err != nil {
				e.log.Warnw("close packet trace", "error", err)
			}
		}
	}
	opts = append(opts, extra...)
	return flasher.New(e.opener(c.Bool("demo")), opts...), cleanup
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(log *zap.SugaredLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warnw("received signal, aborting", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func flashAction(c *cli.Context) error {
	path := c.String("image")
	if path == "" {
		path = c.Args().First()
	}
	if path == "" {
		return cli.Exit("an image is required (--image or first argument)", exitUsage)
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	image, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read image: %v", err), exitUsage)
	}
	if len(image) == 0 {
		return cli.Exit(fmt.Sprintf("%s is empty", path), exitUsage)
	}

	var extra []flasher.Option
	if !c.Bool("no-progress") {
		extra = append(extra, flasher.WithProgressCallback(newProgressBar(len(image))))
	}
	f, cleanup := e.newFlasher(c, extra...)
	defer cleanup()

	ctx, cancel := signalContext(e.log)
	defer cancel()

	e.log.Infow("flashing", "image", path, "size", units.BytesSize(float64(len(image))), "port", portName(c, e.cfg), "erase", e.cfg.Transfer.Erase)
	if !c.Bool("demo") {
		fmt.Fprintln(os.Stderr, "Reset the target now; waiting for the bootloader...")
	}
	res := f.Flash(ctx, image)
	return finish(e.log, res)
}

func infoAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	f, cleanup := e.newFlasher(c)
	defer cleanup()

	ctx, cancel := signalContext(e.log)
	defer cancel()

	if !c.Bool("demo") {
		fmt.Fprintln(os.Stderr, "Reset the target now; waiting for the bootloader...")
	}
	res := f.Identify(ctx)
	if res.Outcome != flasher.CaptureFailed {
		printDevice(res)
	}
	return finish(e.log, res)
}

func configAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	out, err := e.cfg.Marshal()
	if err != nil {
		return cli.Exit(fmt.Sprintf("marshal config: %v", err), exitUsage)
	}
	fmt.Print(string(out))

	if path := c.String("save"); path != "" {
		if err := e.cfg.Save(path); err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		e.log.Infow("config saved", "path", path)
	}
	return nil
}

func portName(c *cli.Context, cfg *config.Config) string {
	if c.Bool("demo") {
		return "demo"
	}
	return cfg.Port.Path
}

func newProgressBar(total int) flasher.ProgressCallback {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Waiting for bootloader"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	phase := ""
	return func(p flasher.Progress) {
		if p.Phase != phase {
			phase = p.Phase
			switch phase {
			case flasher.PhaseErasing:
				bar.Describe("Erasing")
			case flasher.PhaseWriting:
				bar.Describe("Writing")
			case flasher.PhaseRunning:
				bar.Describe("Starting application")
			}
		}
		if p.Phase == flasher.PhaseComplete {
			_ = bar.Finish()
			return
		}
		if p.Phase == flasher.PhaseWriting {
			_ = bar.Set(p.BytesWritten)
		}
	}
}

func printDevice(res *flasher.Result) {
	r := res.Report
	if r.DeviceIDKnown {
		fmt.Printf("Device ID:       0x%08X\n", r.DeviceID)
	} else {
		fmt.Println("Device ID:       unknown")
	}
	fmt.Printf("APROM size:      %s (%d bytes)\n", units.BytesSize(float64(r.APROMSize)), r.APROMSize)
	fmt.Printf("Dataflash addr:  0x%08X\n", r.DataFlashAddr)
	if res.AppOutput != "" {
		fmt.Printf("Application:     %s\n", res.AppOutput)
	}
}

// finish logs the result and maps it to the process exit code.
func finish(log *zap.SugaredLogger, res *flasher.Result) error {
	code := exitCode(res)
	fields := []any{
		"outcome", res.Outcome.String(),
		"attempts", res.Attempts,
		"probes", res.Capture.Probes,
		"packets", res.Report.Packets,
		"bytes", res.Report.BytesWritten,
		"resends", res.Report.Resends,
		"timeouts", res.Report.Timeouts,
		"duration", res.Duration,
	}
	if code == exitSuccess {
		log.Infow("done", fields...)
		return nil
	}
	if res.Outcome == flasher.TransferFailed {
		fields = append(fields, "offset", res.Offset)
	}
	log.Errorw("update failed", append(fields, "error", res.Err)...)
	return cli.Exit(describe(res), code)
}

func exitCode(res *flasher.Result) int {
	switch {
	case res.Outcome == flasher.Success:
		return exitSuccess
	case res.Cancelled():
		return exitCancelled
	case errors.Is(res.Err, flasher.ErrEmptyImage):
		return exitUsage
	case res.Outcome == flasher.CaptureFailed:
		return exitCaptureFailed
	default:
		return exitTransferFailed
	}
}

func describe(res *flasher.Result) string {
	switch {
	case res.Cancelled():
		return "cancelled"
	case res.Outcome == flasher.CaptureFailed:
		return fmt.Sprintf("capture failed: %v", res.Err)
	default:
		return fmt.Sprintf("transfer failed at byte %d: %v", res.Offset, res.Err)
	}
}
