package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigbag/rnode-flasher/internal/board"
	"github.com/bigbag/rnode-flasher/internal/cache"
	"github.com/bigbag/rnode-flasher/internal/config"
	"github.com/bigbag/rnode-flasher/internal/detect"
	"github.com/bigbag/rnode-flasher/internal/esptool"
	"github.com/bigbag/rnode-flasher/internal/image"
	"github.com/bigbag/rnode-flasher/internal/layout"
	"github.com/bigbag/rnode-flasher/internal/logging"
	"github.com/bigbag/rnode-flasher/internal/plan"
	"github.com/bigbag/rnode-flasher/internal/release"
	"github.com/bigbag/rnode-flasher/internal/resolve"
	"github.com/bigbag/rnode-flasher/internal/serial"
	"github.com/bigbag/rnode-flasher/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag  string
	verboseFlag bool
	boardFlag   string

	fileFlag    string
	portFlag    string
	baudFlag    int
	releaseFlag string
	offlineFlag bool
	fullFlag    bool
	eraseFlag   bool
	yesFlag     bool

	esptoolMergeFlag bool
	outputFlag       string
	firstFlag        bool
	hardResetFlag    bool
)

var (
	logger *zap.Logger
	cfg    *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rnode-flasher",
		Short: "Flash RNode boundary firmware to Heltec V3/V4 (ESP32-S3) boards",
		Long: `rnode-flasher downloads, composes and flashes RNode boundary node firmware
to Heltec WiFi LoRa 32 V3 and V4 boards.

By default it fetches the latest release, checks the connected device and
performs an app-only update that keeps the bootloader, partition table and
saved settings. A full flash is used when the device needs one.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.New(verboseFlag)
			if err != nil {
				return err
			}

			path := configFlag
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err = config.Load(path)
			if err != nil {
				return err
			}
			logger.Debug("Loaded configuration", zap.String("path", path))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: runFlash,
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default $XDG_CONFIG_HOME/rnode-flasher/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&boardFlag, "board", "", "Target board: v3 or v4 (auto-detected if omitted)")
	addFlashFlags(rootCmd)

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash firmware to device",
		Long: `Flash firmware to an ESP32-S3 board.

Firmware is taken from, in order: --file, the latest (or --release) GitHub
release, the local PlatformIO build, the release cache, a merged binary in
the current directory.

An app-only update is written at 0x10000 when the device already has an
application and a matching partition table. Otherwise, or with --full or
--erase, a merged image is written at 0x0000.`,
		Args: cobra.NoArgs,
		RunE: runFlash,
	}
	addFlashFlags(flashCmd)

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge PlatformIO build output into a single binary",
		Args:  cobra.NoArgs,
		RunE:  runMerge,
	}
	mergeCmd.Flags().BoolVar(&esptoolMergeFlag, "esptool", false, "Use esptool merge_bin instead of the built-in merger")

	extractCmd := &cobra.Command{
		Use:   "extract <merged.bin>",
		Short: "Extract the application from a merged image",
		Args:  cobra.ExactArgs(1),
		RunE:  runExtract,
	}
	extractCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file (default <name>_app.bin)")

	classifyCmd := &cobra.Command{
		Use:   "classify <firmware.bin>",
		Short: "Tell a merged image from an app-only binary",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a release into the firmware cache",
		Args:  cobra.NoArgs,
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringVarP(&releaseFlag, "release", "r", "", "Release tag (latest if omitted)")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect and show information about connected boards.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().BoolVar(&firstFlag, "first", false, "Stop scanning at the first board found")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Force download mode with a 1200 baud touch",
		Long: `Force download mode with a 1200 baud touch.

With --hard the board is restarted into its application instead, which
leaves download mode after a touch reset or an interrupted flash.`,
		RunE: runReset,
	}
	resetCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port")
	resetCmd.Flags().BoolVar(&hardResetFlag, "hard", false, "Restart into the application instead of download mode")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rnode-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, mergeCmd, extractCmd, classifyCmd, fetchCmd, infoCmd, resetCmd, versionCmd, listCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func addFlashFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Firmware binary to flash")
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (board default if not specified)")
	cmd.Flags().StringVarP(&releaseFlag, "release", "r", "", "Flash a specific release tag, e.g. v1.0.12")
	cmd.Flags().BoolVar(&offlineFlag, "offline", false, "Use cached or local firmware only")
	cmd.Flags().BoolVar(&fullFlag, "full", false, "Flash the merged image (overwrites everything)")
	cmd.Flags().BoolVar(&eraseFlag, "erase", false, "Erase entire flash before writing (implies --full)")
	cmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Do not ask questions")
}

// newEnv wires the shared collaborators from the configuration. The tool is
// only located when needTool is set. Download progress is drawn on ui.
func newEnv(needTool bool, ui *terminalUI) (*session.Env, error) {
	registry := board.Default()
	if cfg.DefaultBoard != "" {
		if _, err := registry.Profile(cfg.DefaultBoard); err != nil {
			return nil, fmt.Errorf("config default_board: %w", err)
		}
	}

	client := release.NewClient(
		release.WithAPIURL(cfg.APIURL),
		release.WithRepo(cfg.Repo),
		release.WithTimeouts(cfg.ReleaseTimeout(), cfg.DownloadTimeout()),
		release.WithLogger(logger),
	)
	var index cache.Index = client
	if offlineFlag {
		index = nil
	}
	manager := cache.New(cfg.CacheDir, index,
		cache.WithLogger(logger),
		cache.WithProgress(ui.downloadProgress),
	)

	env := &session.Env{
		Registry:     registry,
		DefaultBoard: cfg.DefaultBoard,
		Cache:        manager,
		Locator: resolve.Locator{
			ProjectDir: cfg.ProjectDir,
			ToolDir:    config.ToolDir(),
			PIOHome:    config.PlatformIOHome(),
			Extra:      cfg.ComponentDirs,
		},
		WorkDir:       ".",
		ProbeTimeout:  cfg.ProbeTimeout(),
		DetectTimeout: cfg.DetectTimeout(),
		Logger:        logger,
	}

	if needTool {
		cmdline, err := esptool.Discover(cfg.Esptool)
		if err != nil {
			fmt.Println("Error: esptool not found!")
			fmt.Println("Install it with:  pip install esptool")
			return nil, err
		}
		env.Tool = esptool.New(cmdline, esptool.WithLogger(logger))
		logger.Debug("Using esptool", zap.Strings("command", cmdline))
	}
	return env, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	ui := newTerminalUI()
	env, err := newEnv(true, ui)
	if err != nil {
		return err
	}

	opts := session.Options{
		Board:   boardFlag,
		Port:    portFlag,
		Baud:    baudFlag,
		File:    fileFlag,
		Release: releaseFlag,
		Offline: offlineFlag,
		Full:    fullFlag,
		Erase:   eraseFlag,
		Yes:     yesFlag,
	}

	s, err := session.New(cmd.Context(), env, opts, ui)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("RNode Flash Utility: %s\n", s.Board.Name)
	fmt.Printf("Using esptool: %s\n\n", strings.Join(env.Tool.Command(), " "))

	out, err := s.Run(cmd.Context())
	ui.finish()
	if err != nil {
		printHints(err, s)
		return err
	}

	fmt.Println("\nFlash complete!")
	fmt.Println("Device will reboot automatically.")
	if out.Plan.Mode == plan.Full {
		fmt.Println("On first boot, hold PRG for 5s to enter the configuration portal.")
	}
	return nil
}

func printHints(err error, s *session.Session) {
	switch {
	case errors.Is(err, session.ErrAborted):
		fmt.Println("Aborted.")
	case errors.Is(err, resolve.ErrNoFirmware):
		fmt.Println("\nNo firmware found!")
		fmt.Println("\nOptions:")
		fmt.Printf("  1. Build with PlatformIO first:  pio run -e %s\n", s.Board.PIOEnv)
		fmt.Println("  2. Run without --offline to download from GitHub")
		fmt.Printf("  3. Specify a file:               rnode-flasher --board %s --file <path>\n", s.Board.Key)
	case errors.Is(err, plan.ErrCannotComposeFullImage):
		fmt.Println("\nCannot create merged binary: missing boot components.")
		fmt.Printf("Build with PlatformIO first:  pio run -e %s\n", s.Board.PIOEnv)
	case errors.Is(err, session.ErrNoPort):
		fmt.Printf("\nConnect your %s via USB and try again,\n", s.Board.Name)
		fmt.Printf("or specify manually: rnode-flasher --board %s --port /dev/ttyACM0\n", s.Board.Key)
	}
}

func runMerge(cmd *cobra.Command, args []string) error {
	env, err := newEnv(esptoolMergeFlag, newTerminalUI())
	if err != nil {
		return err
	}
	if boardFlag == "" {
		fmt.Println("(No --board specified; using the default board for merge)")
	}
	s, err := session.NewOffline(env, boardFlag)
	if err != nil {
		return err
	}

	out, err := s.MergeBuild(cmd.Context(), esptoolMergeFlag)
	if err != nil {
		var missing *image.MissingComponentError
		if errors.As(err, &missing) {
			fmt.Printf("Build with PlatformIO first:  pio run -e %s\n", s.Board.PIOEnv)
		}
		return err
	}

	fmt.Printf("Merged: %s\n", out)
	fmt.Printf("\nDone! Flash with:  rnode-flasher --board %s --file %s\n", s.Board.Key, out)
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	src := args[0]
	dest := outputFlag
	if dest == "" {
		dest = image.AppPath(src)
	}

	kind, err := image.Classify(src)
	if err != nil {
		return err
	}
	if kind != image.Merged {
		return fmt.Errorf("%s is not a merged image", src)
	}

	n, err := image.ExtractApp(src, dest)
	if err != nil {
		return err
	}
	fmt.Printf("Extracted app: %s (%d bytes)\n", dest, n)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	kind, err := image.Classify(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, flash at %s\n", filepath.Base(args[0]), kind, layout.Hex(kind.WriteAddress()))
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ui := newTerminalUI()
	env, err := newEnv(false, ui)
	if err != nil {
		return err
	}
	s, err := session.NewOffline(env, boardFlag)
	if err != nil {
		return err
	}

	res, err := env.Cache.Fetch(cmd.Context(), s.Board, releaseFlag)
	ui.finish()
	if err != nil {
		return err
	}

	switch {
	case res.Stale:
		fmt.Printf("Release index unreachable, cached firmware: %s\n", res.Tag)
	case res.Hit:
		fmt.Printf("Cached firmware is up-to-date: %s\n", res.Tag)
	default:
		fmt.Printf("Downloaded %s\n", res.Tag)
	}
	fmt.Printf("  Path:   %s\n", res.Path)
	fmt.Printf("  SHA256: %s\n", res.SHA256)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	env, err := newEnv(true, newTerminalUI())
	if err != nil {
		return err
	}
	d := detect.New(env.Tool, env.Registry,
		detect.WithTimeout(cfg.DetectTimeout()),
		detect.WithLogger(logger))

	if portFlag != "" {
		// Check specific port
		result, err := d.DetectOnPort(cmd.Context(), portFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	// Auto-detect
	fmt.Println("Scanning for boards...")
	if firstFlag {
		result, err := d.DetectDevice(cmd.Context())
		if errors.Is(err, detect.ErrNoDevice) {
			fmt.Println("No boards found")
			return nil
		}
		if err != nil {
			return err
		}
		printDeviceInfo(result)
		return nil
	}

	devices, err := d.ListDevices(cmd.Context())
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No boards found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, dev := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&dev)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Board:    %s (%s)\n", d.Board.Name, d.Board.Key)
	fmt.Printf("  Chip:     %s\n", d.Info.Chip)
	fmt.Printf("  Flash:    %s\n", d.Info.FlashSize)
	if d.Info.Features != "" {
		fmt.Printf("  Features: %s\n", d.Info.Features)
	}
	if d.Info.MAC != "" {
		fmt.Printf("  MAC:      %s\n", d.Info.MAC)
	}
}

func runReset(cmd *cobra.Command, args []string) error {
	port := portFlag
	if port == "" {
		ports, err := serial.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			return session.ErrNoPort
		}
		port, err = newTerminalUI().SelectPort(ports)
		if err != nil {
			return err
		}
	}

	if hardResetFlag {
		fmt.Printf("Resetting %s...\n", port)
		if err := serial.HardReset(port); err != nil {
			return err
		}
		fmt.Println("Done. The device should restart into its application.")
		return nil
	}

	fmt.Printf("Opening %s at %d baud to trigger bootloader...\n", port, serial.TouchBaudRate)
	if err := serial.TouchReset(port); err != nil {
		return err
	}
	fmt.Println("Done. The device should re-enumerate in download mode.")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	details := map[string]serial.PortDetails{}
	if list, err := serial.Describe(); err == nil {
		for _, d := range list {
			details[d.Name] = d
		}
	} else {
		logger.Debug("USB details unavailable", zap.Error(err))
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if d, ok := details[p]; ok && d.IsUSB {
			fmt.Printf("  %s  [USB %s:%s %s]\n", p, d.VID, d.PID, d.Product)
			continue
		}
		fmt.Printf("  %s\n", p)
	}

	return nil
}
