package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ddebeau/zfs-uploader/internal/config"
	"github.com/ddebeau/zfs-uploader/internal/engine"
	"github.com/ddebeau/zfs-uploader/internal/logger"
	"github.com/ddebeau/zfs-uploader/internal/scheduler"
)

// version is stamped at build time via -ldflags -X main.version=....
var version = "dev"

const defaultConfigPath = "/etc/zfs-uploader.conf"

func main() {
	command, args := parseCommand(os.Args[1:])

	switch command {
	case "serve":
		runServe(args)
	case "list":
		runList(args)
	case "restore":
		runRestore(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func parseCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "serve", args
	}

	first := args[0]
	if strings.HasPrefix(first, "-") {
		return "serve", args
	}

	return first, args[1:]
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the job configuration file")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logDir := fs.String("log-dir", "", "directory for rotated log output (empty disables file logging)")
	sudo := fs.Bool("sudo", false, "prefix zfs(8) invocations with sudo")
	fs.Parse(args)

	if err := logger.Init(*logDir, *logLevel); err != nil {
		logger.BootstrapFatal(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	jobs, err := config.Load(*configPath)
	if err != nil {
		logger.BootstrapFatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runners := make(map[string]scheduler.Runner, len(jobs))
	crons := make(map[string]string, len(jobs))
	for _, cfg := range jobs {
		job, err := engine.Open(ctx, cfg, *sudo)
		if err != nil {
			logger.BootstrapFatal(fmt.Sprintf("failed to open job for %s: %v", cfg.Dataset, err))
		}
		runners[cfg.Dataset] = job
		crons[cfg.Dataset] = cfg.Cron
	}

	sched, err := scheduler.New(logger.L, runners, crons)
	if err != nil {
		logger.BootstrapFatal(err.Error())
	}

	logger.L.Info().Int("datasets", len(jobs)).Msg("zfs-uploader scheduler starting")
	if err := sched.Start(ctx); err != nil {
		logger.L.Fatal().Err(err).Msg("scheduler exited with error")
	}
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the job configuration file")
	fs.Parse(args)

	var target string
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}

	jobs, err := config.Load(*configPath)
	if err != nil {
		logger.BootstrapFatal(err.Error())
	}

	ctx := context.Background()
	out := map[string]any{}

	for _, cfg := range jobs {
		if target != "" && cfg.Dataset != target {
			continue
		}

		job, err := engine.Open(ctx, cfg, false)
		if err != nil {
			logger.BootstrapFatal(fmt.Sprintf("failed to open job for %s: %v", cfg.Dataset, err))
		}
		out[cfg.Dataset] = job.Backups()
	}

	printJSON(out)
}

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the job configuration file")
	destination := fs.String("destination", "", "restore into an alternate dataset instead of in place")
	sudo := fs.Bool("sudo", false, "prefix zfs(8) invocations with sudo")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: zfs-uploader restore [--destination D] <dataset> [backup_time]")
		os.Exit(1)
	}

	dataset := fs.Arg(0)
	var backupTime string
	if fs.NArg() > 1 {
		backupTime = fs.Arg(1)
	}

	if err := logger.Init("", "info"); err != nil {
		logger.BootstrapFatal(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	jobs, err := config.Load(*configPath)
	if err != nil {
		logger.BootstrapFatal(err.Error())
	}

	var cfg *config.JobConfig
	for _, c := range jobs {
		if c.Dataset == dataset {
			cfg = c
			break
		}
	}
	if cfg == nil {
		logger.BootstrapFatal(fmt.Sprintf("no configured dataset %s", dataset))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := engine.Open(ctx, cfg, *sudo)
	if err != nil {
		logger.BootstrapFatal(fmt.Sprintf("failed to open job for %s: %v", dataset, err))
	}

	if err := job.Restore(ctx, backupTime, *destination); err != nil {
		logger.L.Fatal().Err(err).Str("dataset", dataset).Msg("restore failed")
	}

	logger.L.Info().Str("dataset", dataset).Msg("restore complete")
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.BootstrapFatal(err.Error())
	}
	fmt.Println(string(b))
}

func printUsage() {
	fmt.Println("zfs-uploader usage:")
	fmt.Println("  zfs-uploader serve [--config path] [--log-level info] [--log-dir dir] [--sudo]")
	fmt.Println("  zfs-uploader list [--config path] [dataset]")
	fmt.Println("  zfs-uploader restore [--destination dataset] [--sudo] <dataset> [backup_time]")
	fmt.Println("  zfs-uploader version")
}
