package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/NodePath81/speedcheck/internal/app"
	"github.com/NodePath81/speedcheck/internal/config"
	"github.com/NodePath81/speedcheck/internal/control"
	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/settings"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/util"
	"github.com/NodePath81/speedcheck/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runTest(os.Args[2:], os.Stdout, os.Stderr))
		case "serve":
			serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
			configPath := serveCmd.String("config", defaultConfigPath, "Path to config file")
			_ = serveCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && serveCmd.NArg() > 0 {
				*configPath = serveCmd.Arg(0)
			}
			serve(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", defaultConfigPath, "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	os.Exit(runTest(os.Args[1:], os.Stdout, os.Stderr))
}

// runTest keeps stdout for the result alone; logs, the spinner and errors
// go to stderr.
func runTest(args []string, stdout, stderr io.Writer) int {
	runCmd := flag.NewFlagSet("run", flag.ContinueOnError)
	runCmd.SetOutput(stderr)
	configPath := runCmd.String("config", defaultConfigPath, "Path to config file")
	target := runCmd.String("url", "", "Target URL for this run (https only)")
	noDownload := runCmd.Bool("no-download", false, "Skip the download phase")
	noUpload := runCmd.Bool("no-upload", false, "Skip the upload phase")
	save := runCmd.Bool("save", false, "Persist --url and phase flags as the new settings")
	asJSON := runCmd.Bool("json", false, "Print the outcome as JSON")
	verbose := runCmd.Bool("verbose", false, "Log progress at debug level")
	if err := runCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadRunConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config invalid: %v\n", err)
		return 1
	}
	disabled := false
	cfg.Control.Enabled = &disabled

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := util.NewLoggerTo(stderr, level)
	rt, err := app.NewRuntime(cfg, logger, nil)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.Stop()

	rec, err := rt.Settings()
	if err != nil {
		logger.Error("settings unavailable", "error", err)
		return 1
	}
	if *target != "" {
		rec.TargetURL = strings.TrimSpace(*target)
		if err := settings.ValidateURL(rec.TargetURL); err != nil {
			fmt.Fprintln(stderr, speedtest.UserMessage(speedtest.ErrInvalidConfiguration))
			return 2
		}
	}
	if *noDownload {
		rec.MeasureDownload = false
	}
	if *noUpload {
		rec.MeasureUpload = false
	}
	if *save {
		if _, err := rt.SaveSettings(rec); err != nil {
			fmt.Fprintf(stderr, "save settings: %v\n", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var spin *spinner
	if !*asJSON {
		spin = newSpinner(stderr)
		rt.AddObserver(spin)
		go spin.Run(ctx)
	}
	outcome := rt.RunOnce(ctx, rec.ProbeConfiguration())
	if spin != nil {
		spin.Finish()
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(control.NewOutcomePayload(outcome))
	} else {
		printOutcome(stdout, stderr, outcome)
	}
	if outcome.Err != nil {
		return 1
	}
	return 0
}

// loadRunConfig falls back to built-in defaults when the default config
// file is absent, so one-shot runs work without any setup.
func loadRunConfig(path string) (config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Config{}, err
}

func printOutcome(w, errW io.Writer, o speedtest.Outcome) {
	if o.Err != nil {
		fmt.Fprintln(errW, speedtest.UserMessage(o.Err))
		return
	}
	res := o.Result
	fmt.Fprintf(w, "Target:              %s\n", o.Config.TargetURL)
	fmt.Fprintf(w, "Instantaneous bytes: %s\n", res.InstantaneousBytes.String())
	fmt.Fprintf(w, "Download:            %s\n", withUnit(res.DownloadMbps))
	fmt.Fprintf(w, "Upload:              %s\n", withUnit(res.UploadMbps))
	if o.Server != nil {
		fmt.Fprintf(w, "Server:              %s", o.Server.IP)
		if o.Server.Country != "" {
			fmt.Fprintf(w, " (%s", o.Server.Country)
			if o.Server.Organization != "" {
				fmt.Fprintf(w, ", AS%d %s", o.Server.ASN, o.Server.Organization)
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Duration:            %s\n", o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond))
}

func withUnit(v model.Optional[float64]) string {
	s := model.FormatMbps(v)
	if !v.Known {
		return s
	}
	return s + " Mbps"
}

func serve(configPath string) {
	logger := util.NewLogger()
	if cfg, err := config.LoadConfig(configPath); err == nil {
		logger = util.NewLoggerWithLevel(cfg.Log.Level)
	}
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	listen := "disabled"
	if cfg.Control.IsEnabled() {
		listen = util.NetJoin(cfg.Control.BindAddr, cfg.Control.BindPort)
	}
	fmt.Printf("config valid: target %s, connectivity %s, control %s\n", cfg.Probe.TargetURL, cfg.Connectivity.Source, listen)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`speedcheck - network speed measurement

Usage:
  speedcheck run [flags]              Run one speed test
      --config <path>                 Config file (default config.yaml, optional)
      --url <https-url>               Target for this run
      --no-download, --no-upload      Skip a phase
      --save                          Persist the overrides
      --json                          Print the outcome as JSON
  speedcheck serve --config <path>    Serve the control plane
  speedcheck check --config <path>    Validate config file
  speedcheck help                     Show this help
  speedcheck version                  Print version

With no subcommand, speedcheck behaves like "speedcheck run".
`)
}
