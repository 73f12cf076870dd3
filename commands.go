package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	config "lunchrun/app/configs"
	"lunchrun/app/core/interaction/cli"
	"lunchrun/app/core/interaction/gateway"
	"lunchrun/app/core/interaction/http"
	"lunchrun/app/core/interaction/mcp"
	"lunchrun/app/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runServe(_ *cobra.Command, _ []string) error {
	return serve(true, withCLI, "")
}

func runChat(_ *cobra.Command, _ []string) error {
	return serve(false, true, resumeID)
}

// serve runs the gateway with the requested channels and the task jobs
// until a signal arrives or every channel has stopped.
func serve(withHTTP, withTerminal bool, resume string) error {
	manager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()
	if err := logger.Init(cfg.Log.Dir, cfg.Log.Level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	logger.L().Info("[Main] LunchRun starting", zap.String("version", version), zap.String("config", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	if err := app.startJobs(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	gw := gateway.NewGateway(app.agent)
	if recorder, err := gateway.NewTraceRecorder(filepath.Join(cfg.Log.Dir, "trace")); err != nil {
		logger.L().Warn("[Main] gateway trace disabled", zap.Error(err))
	} else {
		gw.SetTraceRecorder(recorder)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	if withHTTP {
		httpChannel := http.NewHTTPChannel(cfg.Server.HTTPPort)
		httpChannel.SetShutdownTimeout(shutdownTimeout)
		httpChannel.SetResponseTimeout(time.Duration(cfg.Server.ResponseTimeoutSec) * time.Second)
		httpChannel.SetConversationReader(app.conversations)
		httpChannel.SetTaskAdmin(app.tasks)
		httpChannel.SetStatusProvider(func(context.Context) map[string]interface{} {
			return map[string]interface{}{
				"gateway":   gw.HealthStatus(),
				"scheduler": app.jobs.Health(),
				"jobs":      app.jobs.Snapshot(),
			}
		})
		gw.RegisterChannel(httpChannel)
		fmt.Printf("- HTTP API: http://localhost:%d/api/chat (POST)\n", cfg.Server.HTTPPort)
	}
	if withTerminal {
		terminal := cli.NewCLIChannel(cfg.Agent.CLIUser)
		terminal.Resume(resume)
		gw.RegisterChannel(terminal)
	}

	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx) }()
	logger.L().Info("[Main] LunchRun is ready to serve")

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.L().Info("[Main] signal received, shutting down")
	}
	// A terminal session blocked on stdin does not observe cancellation.
	select {
	case <-done:
	case <-time.After(shutdownTimeout + time.Second):
	}
	return nil
}

// loadToolConfig reads the config without rewriting it and keeps stdout
// free for command output.
func loadToolConfig() (config.Config, error) {
	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := logger.InitWithConsole(cfg.Log.Dir, cfg.Log.Level, os.Stderr); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadToolConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	return mcp.New(app.agent, app.conversations, app.tasks, version).Serve(ctx, os.Stdin, os.Stdout)
}

func withTaskService(cmd *cobra.Command, fn func(ctx context.Context, app *application) error) error {
	cfg, err := loadToolConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	return fn(ctx, app)
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	return withTaskService(cmd, func(ctx context.Context, app *application) error {
		tasks, err := app.tasks.List(ctx, taskStatus, taskLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	})
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	return withTaskService(cmd, func(ctx context.Context, app *application) error {
		if err := app.tasks.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
		return nil
	})
}

func runTasksRunDue(cmd *cobra.Command, _ []string) error {
	return withTaskService(cmd, func(ctx context.Context, app *application) error {
		recovered, err := app.tasks.Recover(ctx)
		if err != nil {
			return err
		}
		executed, err := app.tasks.DispatchDue(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d, executed %d\n", recovered, executed)
		return nil
	})
}
