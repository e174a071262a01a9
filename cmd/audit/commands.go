package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/app"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/report"
	"github.com/Jouleverse/audit/internal/service"
	"github.com/Jouleverse/audit/pkg/logger"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		date  string
		today bool
		send  bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one audit cycle (dry-run unless --send)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(g)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := cfg.Validate(send); err != nil {
				return err
			}

			opts := service.CycleOptions{Send: send, Force: force || cfg.Audit.Force}
			switch {
			case date != "":
				if opts.Date, err = model.ParseBusinessDate(date); err != nil {
					return err
				}
			case today:
				opts.Date = model.Today(time.Now())
			}

			ctx, cancel := signalContext()
			defer cancel()

			a := app.New(cfg, os.Stdout)
			defer a.Close()
			if err := a.InitInfra(ctx); err != nil {
				return err
			}
			if err := a.InitChain(ctx); err != nil {
				return err
			}
			if err := a.InitAudit(); err != nil {
				return err
			}

			_, err = a.RunCycle(ctx, opts)
			return err
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "target date YYYYMMDD (UTC+8), defaults to yesterday")
	cmd.Flags().BoolVar(&today, "today", false, "audit today instead of yesterday")
	cmd.Flags().BoolVar(&send, "send", false, "sign and submit the batch")
	cmd.Flags().BoolVar(&force, "force", false, "skip the already-recorded check")
	cmd.MarkFlagsMutuallyExclusive("date", "today")
	return cmd
}

func newPreviewCmd(g *globalFlags) *cobra.Command {
	var (
		date         string
		onlyPositive bool
		delay        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print on-chain records of every participant for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(g)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(false); err != nil {
				return err
			}

			var d model.BusinessDate
			if date != "" {
				if d, err = model.ParseBusinessDate(date); err != nil {
					return err
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Preview(ctx, d, service.PreviewOptions{OnlyPositive: onlyPositive, Delay: delay})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "date YYYYMMDD (UTC+8), defaults to yesterday")
	cmd.Flags().BoolVar(&onlyPositive, "only-positive", false, "only print participants with points")
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "delay between reads")
	return cmd
}

func newReportCmd(g *globalFlags) *cobra.Command {
	var (
		month    string
		strategy string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build the monthly points report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(g)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(false); err != nil {
				return err
			}

			m := model.Today(time.Now()).Month()
			if month != "" {
				if m, err = model.ParseBusinessMonth(month); err != nil {
					return err
				}
			}
			if strategy == "" {
				strategy = cfg.Report.Strategy
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			path, err := a.BuildReport(ctx, m, strategy, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month YYYYMM (UTC+8), defaults to the current month")
	cmd.Flags().StringVar(&strategy, "strategy", "", fmt.Sprintf("%s or %s, defaults to config", report.StrategyDirect, report.StrategyReplay))
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory, defaults to config")
	return cmd
}

func newDaemonCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduled audit with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(g)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(cfg.Scheduler.Send); err != nil {
				return err
			}

			logger.Info("starting service",
				zap.String("service", cfg.Service.Name),
				zap.Int("grpc_port", cfg.Service.GRPCPort),
				zap.Int("http_port", cfg.Service.HTTPPort))

			application := app.New(cfg, os.Stdout)
			if err := application.Run(context.Background()); err != nil {
				application.Close()
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return application.Shutdown(ctx)
		},
	}
}
