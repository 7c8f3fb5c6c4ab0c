package scheduler

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

// ProvideConfig reads scheduler tuning from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := envDuration("SCHEDULER_RUN_INTERVAL"); v > 0 {
		cfg.RunInterval = v
	}
	if v := envDuration("SCHEDULER_RECONCILE_INTERVAL"); v > 0 {
		cfg.ReconcileInterval = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_RECONCILE_MODE")); v != "" {
		cfg.ReconcileMode = v
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_BATCH_SIZE")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.BatchSize = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_JOBS")); v != "" {
		for _, job := range strings.Split(v, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func envDuration(key string) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}
