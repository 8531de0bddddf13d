package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskcore/internal/app"
	"taskcore/internal/core"
)

// Built-in task types available to config-driven schedules.
const (
	taskNoop core.TypeID = iota + 1
	taskSleep
	taskEcho
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	sched := a.Scheduler()
	if err := registerBuiltins(sched); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	_ = a.Stop(context.Background())
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func registerBuiltins(s *core.Service) error {
	if err := s.Register(taskNoop, func() {}); err != nil {
		return err
	}
	if err := s.Register(taskSleep, func(tok *core.StopToken, d time.Duration) error {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			if tok.Stopped() {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	}, core.WithGroup(1)); err != nil {
		return err
	}
	return s.Register(taskEcho, func(msg string) string { return msg })
}
