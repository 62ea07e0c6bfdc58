package app

import (
	"context"
	"strings"

	"agentfleet/internal/config"
	logx "agentfleet/pkg/logx"
)

// startReload watches the config file and applies the sections that can
// change at runtime: logging and scheduler tunables. Other sections are
// logged and wait for a restart.
func (a *App) startReload() {
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.ParseDurations(cfg)
		return err
	})
	ch := a.cfgm.Subscribe(1)

	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-ch:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(next *config.Config) {
	changed, attrs, restart := config.SummarizeChange(a.cfg, next)
	if len(changed) == 0 {
		return
	}
	d, err := config.ParseDurations(next)
	if err != nil {
		a.log.Warn("config apply skipped", logx.Err(err))
		return
	}
	a.logs.Apply(mapLogging(next))
	a.sched.Apply(mapTunables(next, d))

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config applied", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections need restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.cfg = next
	a.dur = d
}
