package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"agentfleet/internal/app"
	logx "agentfleet/pkg/logx"
)

func main() {
	var (
		cfgPath string
		grace   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.DurationVar(&grace, "shutdown-timeout", 10*time.Second, "max time to wait for shutdown")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	log := a.Logger()
	notify(log, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	var watchdog <-chan time.Time
	if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		watchdog = t.C
	}

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				dumpSnapshot(log, a)
				continue
			case syscall.SIGINT:
				reason = app.StopSIGINT
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			}
			break loop
		case <-watchdog:
			notify(log, daemon.SdNotifyWatchdog)
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	notify(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	if fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func dumpSnapshot(log logx.Logger, a *app.App) {
	b, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	fmt.Fprintln(os.Stderr, string(b))
}
