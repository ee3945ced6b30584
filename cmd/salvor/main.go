package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/perimetra/salvor/internal/app"
	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/usecase"
)

const usageText = `salvor - backup, replication, and disaster recovery

Usage:
  salvor [flags] <command> [args]

Commands:
  backup [full|database|redis|files]   run one backup
  verify [name-token]                  verify the artifacts of a backup set
  cleanup                              apply the retention policy
  replicate                            copy recent backups to the replicas
  recover [full|database|files]        restore from a backup
  drtest                               rehearse a restore in a scratch database
  perf                                 compare performance results to the baseline
  schedule                             run the cron daemon
  help                                 show this help

Flags:
  -config path   config file (default configs/salvor.yaml)
  -dry-run       log destructive actions instead of executing them

Exit codes: 0 success, 1 failure. recover exits 2 after a rollback and
perf exits 2 when regressions are found.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("salvor", flag.ContinueOnError)
	configPath := fs.String("config", "configs/salvor.yaml", "path to config file")
	dryRun := fs.Bool("dry-run", false, "log destructive actions instead of executing them")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	command := "help"
	if len(rest) > 0 {
		command = rest[0]
	}
	if command == "help" {
		fmt.Print(usageText)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Printfln("Configuration: %v", err)
		return 1
	}
	if *dryRun {
		cfg.App.DryRun = true
	}

	application, err := app.New(cfg)
	if err != nil {
		pterm.Error.Printfln("Startup: %v", err)
		return 1
	}
	defer application.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "backup":
		return finish(command, application.Backup(ctx, rest[1:], domain.TriggerManual))

	case "verify":
		point := usecase.PointLatest
		if len(rest) > 1 {
			point = rest[1]
		}
		return finish(command, application.Verify(ctx, point))

	case "cleanup":
		return finish(command, application.Cleanup(ctx, domain.TriggerManual))

	case "replicate":
		return finish(command, application.Replicate(ctx, domain.TriggerManual))

	case "recover":
		scope := "full"
		if len(rest) > 1 {
			scope = rest[1]
		}
		out, err := application.Recover(ctx, scope)
		switch out.State {
		case usecase.RecoverySuccess:
			pterm.Success.Printfln("Recovery finished: %s", out.State)
		case usecase.RecoveryRolledBack:
			pterm.Warning.Printfln("Recovery rolled back: %v", err)
		default:
			pterm.Error.Printfln("Recovery failed: %v", err)
		}
		return out.ExitCode

	case "drtest":
		return finish(command, application.DRTest(ctx))

	case "perf":
		return runPerf(application)

	case "schedule":
		return finish(command, application.Schedule(ctx))

	default:
		pterm.Error.Printfln("Unknown command %q", command)
		fmt.Fprint(os.Stderr, usageText)
		return 1
	}
}

func finish(command string, err error) int {
	if err != nil {
		pterm.Error.Printfln("%s failed: %v", command, err)
		return 1
	}
	pterm.Success.Printfln("%s finished", command)
	return 0
}

func runPerf(application *app.App) int {
	report, err := application.Perf()
	if err != nil {
		pterm.Error.Printfln("perf failed: %v", err)
		return 1
	}

	pterm.DefaultSection.Println("Performance comparison")
	pterm.Info.Printfln("%s", report.Summary)
	for _, f := range report.CriticalRegressions {
		pterm.Error.Printfln("%s", f.Description)
	}
	for _, f := range report.ModerateRegressions {
		pterm.Warning.Printfln("%s", f.Description)
	}
	for _, f := range report.Improvements {
		pterm.Success.Printfln("%s", f.Description)
	}
	for _, r := range report.Recommendations {
		pterm.Info.Printfln("recommendation: %s", r)
	}

	if report.HasRegressions() {
		return 2
	}
	pterm.Success.Printfln("No regressions above the %.0f%% threshold", report.Threshold*100)
	return 0
}
