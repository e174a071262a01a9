// Package app 组装 jv-audit 的各个组件
//
// 命令行的 run/preview/report 与守护进程共用同一套组装逻辑。守护进程额外启动:
//
//   - 调度器: 每日审计 (audit_cron)，可选的上月报表 (report_cron)
//   - HTTP /metrics
//   - gRPC 健康检查
//
// PostgreSQL、Redis、Kafka 都是可选的，未启用时对应功能降级:
// 不保存审计记录、签名锁退化为进程内锁、不发布事件。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Jouleverse/audit/internal/blockchain"
	"github.com/Jouleverse/audit/internal/checkin"
	"github.com/Jouleverse/audit/internal/config"
	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/jobs"
	"github.com/Jouleverse/audit/internal/kafka"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/registry"
	"github.com/Jouleverse/audit/internal/repository"
	"github.com/Jouleverse/audit/internal/scheduler"
	"github.com/Jouleverse/audit/internal/service"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config
	out io.Writer

	// 基础设施
	db          *gorm.DB
	redisClient *redis.Client
	producer    *kafka.Producer
	chain       *blockchain.Client
	grpcServer  *grpc.Server
	httpServer  *http.Server

	// 合约
	ledger *contract.LedgerContract
	cores  *contract.CoreRegistry

	// 服务
	registry  *registry.Registry
	audit     *service.AuditService
	preview   *service.PreviewService
	scheduler *scheduler.Scheduler

	runRepo  repository.AuditRunRepository
	execRepo *repository.ExecutionRepository
}

// New 创建应用，out 为控制台输出
func New(cfg *config.Config, out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{cfg: cfg, out: out}
}

// Config 当前配置
func (a *App) Config() *config.Config { return a.cfg }

// InitChain 连接链并绑定合约，所有子命令都需要
func (a *App) InitChain(ctx context.Context) error {
	c := a.cfg.Chain
	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:       c.ChainID,
		PrivateKey:    c.PrivateKey,
		RPCURLs:       c.RPCURLs,
		MaxRetries:    c.MaxRetries,
		RetryInterval: time.Duration(c.RetryInterval) * time.Millisecond,
		CallTimeout:   time.Duration(c.CallTimeout) * time.Second,
	})
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "connect %v", c.RPCURLs)
	}
	a.chain = client

	a.ledger, err = contract.NewLedgerContract(common.HexToAddress(a.cfg.Contracts.Ledger), client)
	if err != nil {
		return err
	}
	a.cores, err = contract.NewCoreRegistry(common.HexToAddress(a.cfg.Contracts.CoreRegistry), client)
	if err != nil {
		return err
	}
	a.preview = service.NewPreviewService(a.cores, a.ledger)

	logger.Info("chain connected",
		zap.Int64("chain_id", c.ChainID),
		zap.String("ledger", a.cfg.Contracts.Ledger),
		zap.Bool("signer", client.HasSigner()))
	return nil
}

// InitInfra 初始化可选的数据库、Redis、Kafka
func (a *App) InitInfra(ctx context.Context) error {
	if a.cfg.Postgres.Enabled {
		if err := a.initDB(); err != nil {
			return fmt.Errorf("failed to init database: %w", err)
		}
	}
	if a.cfg.Redis.Enabled {
		if err := a.initRedis(ctx); err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
	}
	if a.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:  a.cfg.Kafka.Brokers,
			ClientID: a.cfg.Kafka.ClientID,
			SASL: &kafka.SASLConfig{
				Mechanism: a.cfg.Kafka.SASLMechanism,
				Username:  a.cfg.Kafka.SASLUsername,
				Password:  a.cfg.Kafka.SASLPassword,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to init kafka: %w", err)
		}
		a.producer = producer
		logger.Info("kafka producer connected", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	}
	return nil
}

func (a *App) initDB() error {
	p := a.cfg.Postgres
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Password, p.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(p.MaxConnections)
	sqlDB.SetMaxIdleConns(p.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(p.ConnMaxLifetime) * time.Second)

	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	a.db = db
	a.runRepo = repository.NewAuditRunRepository(db)
	a.execRepo = repository.NewExecutionRepository(db)
	logger.Info("database connected",
		zap.String("host", p.Host),
		zap.String("database", p.Database))
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	r := a.cfg.Redis
	if len(r.Addresses) == 0 {
		return apperrors.ErrInvalidConfig.WithMessagef("redis enabled without addresses")
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     r.Addresses[0],
		Password: r.Password,
		DB:       r.DB,
		PoolSize: r.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(pingCtx).Err(); err != nil {
		return err
	}
	logger.Info("redis connected", zap.String("addr", r.Addresses[0]), zap.Int("db", r.DB))
	return nil
}

// InitAudit 组装审计周期的各个阶段
func (a *App) InitAudit() error {
	ac := a.cfg.Audit

	reg, err := registry.Load(ac.RegistryPath)
	if err != nil {
		return err
	}
	a.registry = reg

	collector := service.NewCollector(
		a.chain,
		blockchain.NewHeightProber(ac.WitnessPort, ac.ProbeTimeoutDuration()),
		reg,
		service.CollectorConfig{
			ProbeConcurrency: ac.ProbeConcurrency,
			AutoAddPeers:     ac.AutoAddPeers,
			ChainFreshness:   time.Duration(ac.ChainFreshness) * time.Second,
		},
	)

	resolver := checkin.NewResolver(a.cores, checkin.Config{
		Timeout:     ac.CheckinTimeoutDuration(),
		Concurrency: ac.CheckinConcurrency,
	})

	dedup := service.NewDedupGuard(a.ledger, service.DedupConfig{
		FromBlock:  ac.FromBlock,
		ToBlock:    ac.ToBlock,
		SampleSize: ac.DedupSampleSize,
	})

	multiplier, err := decimal.NewFromString(ac.GasLimitMultiplier)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "gas_limit_multiplier %q", ac.GasLimitMultiplier)
	}
	gas := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice:        new(big.Int).Mul(big.NewInt(ac.MaxGasPriceGwei), big.NewInt(1e9)),
		DefaultGasLimit:    ac.DefaultGasLimit,
		GasLimitMultiplier: multiplier,
	}, a.chain)

	recorder := service.NewBatchRecorder(a.chain, gas, a.ledger, a.signerLocker(), service.RecorderConfig{
		ReceiptTimeout: ac.ReceiptTimeoutDuration(),
	})

	var publisher kafka.EventPublisher
	if a.producer != nil {
		publisher = kafka.NewKafkaEventPublisher(a.producer)
	}

	a.audit = service.NewAuditService(
		collector, resolver, dedup, recorder, a.runRepo, publisher,
		service.NewPrinter(a.out),
		service.AuditServiceConfig{
			PayloadSampleSize: ac.PayloadSampleSize,
			ReconcileDays:     ac.ReconcileDays,
		},
	)
	logger.Info("audit pipeline ready",
		zap.Int("registered_nodes", reg.Len()),
		zap.Bool("persistence", a.runRepo != nil),
		zap.Bool("events", a.producer != nil))
	return nil
}

// signerLocker 配置了 Redis 时跨进程互斥，否则只在进程内互斥
func (a *App) signerLocker() service.SignerLocker {
	if a.redisClient != nil {
		return blockchain.NewSignerLock(a.redisClient, a.chain, &blockchain.SignerLockConfig{
			Wallet:  a.chain.Address(),
			ChainID: a.cfg.Chain.ChainID,
			TTL:     time.Duration(a.cfg.Audit.SignerLockTTL) * time.Second,
		})
	}
	return blockchain.NewLocalSignerLock(a.chain, a.chain.Address())
}

// RunCycle 执行一次审计周期
func (a *App) RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleReport, error) {
	return a.audit.RunCycle(ctx, opts)
}

// Preview 读取某一天账本上的全部记录，date 为 0 表示昨天
func (a *App) Preview(ctx context.Context, date model.BusinessDate, opts service.PreviewOptions) error {
	d, err := service.ResolveDate(date, time.Now())
	if err != nil {
		return err
	}
	rows, err := a.preview.Preview(ctx, d, opts)
	if err != nil {
		return err
	}
	service.NewPrinter(a.out).PrintPreview(d, rows)
	return nil
}

// Run 启动守护进程
func (a *App) Run(ctx context.Context) error {
	if err := a.InitInfra(ctx); err != nil {
		return err
	}
	if err := a.InitChain(ctx); err != nil {
		return err
	}
	if err := a.InitAudit(); err != nil {
		return err
	}

	if err := a.initScheduler(); err != nil {
		return err
	}
	a.scheduler.Start()

	if err := a.startHTTP(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := a.startGRPC(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	return nil
}

func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	var execs scheduler.ExecutionStore
	if a.execRepo != nil {
		execs = a.execRepo
	}
	var rdb redis.UniversalClient
	if a.redisClient != nil {
		rdb = a.redisClient
	}
	a.scheduler = scheduler.NewScheduler(&scheduler.Config{RedisClient: rdb}, execs)

	timeout := time.Duration(sc.Timeout) * time.Second
	lockTTL := time.Duration(sc.LockTTL) * time.Second

	daily := jobs.NewDailyAuditJob(a.audit, sc.Send, timeout, lockTTL)
	if err := a.scheduler.RegisterJob(daily, scheduler.JobConfig{Cron: sc.AuditCron, Enabled: sc.Enabled}); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "audit_cron %q", sc.AuditCron)
	}

	if sc.ReportCron != "" {
		builder, err := a.ReportBuilder(a.cfg.Report.Strategy)
		if err != nil {
			return err
		}
		monthly := jobs.NewMonthlyReportJob(builder, a.ReportWriter(""), timeout, lockTTL)
		if err := a.scheduler.RegisterJob(monthly, scheduler.JobConfig{Cron: sc.ReportCron, Enabled: sc.Enabled}); err != nil {
			return apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "report_cron %q", sc.ReportCron)
		}
	}

	logger.Info("scheduler initialized",
		zap.Bool("enabled", sc.Enabled),
		zap.String("audit_cron", sc.AuditCron),
		zap.Bool("send", sc.Send))
	return nil
}

func (a *App) startHTTP() error {
	addr := fmt.Sprintf(":%d", a.cfg.Service.HTTPPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("starting metrics server", zap.String("addr", addr))
	go func() {
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	addr := fmt.Sprintf(":%d", a.cfg.Service.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, healthServer)
	healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	logger.Info("starting gRPC server",
		zap.String("addr", addr),
		zap.String("service", a.cfg.Service.Name))

	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// recoveryInterceptor panic 转为 INTERNAL 错误
func recoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("gRPC handler panic",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = apperrors.ToGRPCError(apperrors.ErrInternal.WithMessagef("panic: %v", r))
		}
	}()
	return handler(ctx, req)
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down audit service...")

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	// 等待执行中的审计周期结束
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	a.Close()
	logger.Info("audit service stopped")
	return nil
}

// Close 释放连接，命令行子命令结束时调用
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			_ = sqlDB.Close()
		}
	}
	if a.chain != nil {
		a.chain.Close()
	}
}
