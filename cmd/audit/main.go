package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/app"
	"github.com/Jouleverse/audit/internal/config"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// globalFlags 所有子命令共用
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "jv-audit",
		Short:         "Jouleverse daily liveness audit and points recorder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (yaml)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", ".env file, defaults to ./.env then ../.env")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log level")

	cmd.AddCommand(
		newRunCmd(g),
		newPreviewCmd(g),
		newReportCmd(g),
		newDaemonCmd(g),
	)
	return cmd
}

// setup 加载 .env、配置和日志
func setup(g *globalFlags) (*config.Config, error) {
	if g.envFile != "" {
		if _, err := config.LoadDotEnv(g.envFile); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "load %s", g.envFile)
		}
	} else if _, err := config.LoadDotEnvFirst(".env", "../.env"); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "load .env")
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		Output:      cfg.Log.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// exitCode 配置错误 2，其余 1
func exitCode(err error) int {
	if apperrors.IsKind(err, apperrors.KindConfig) {
		return 2
	}
	return 1
}

// newApp 创建应用并连接链
func newApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	a := app.New(cfg, os.Stdout)
	if err := a.InitChain(ctx); err != nil {
		return nil, err
	}
	logger.Debug("application ready", zap.String("service", cfg.Service.Name))
	return a, nil
}
