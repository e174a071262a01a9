package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

// 默认合约地址 (Jouleverse 主网)
const (
	DefaultCoreRegistryAddress = "0x8d214415b9c5F5E4Cf4CbCfb4a5DEd47fb516392"
	DefaultLedgerAddress       = "0xa1759e40313F07696Bc0F7974EE7454E7C58cc95"
)

// Config 配置
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Chain     ChainConfig     `yaml:"chain" json:"chain"`
	Contracts ContractsConfig `yaml:"contracts" json:"contracts"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Report    ReportConfig    `yaml:"report" json:"report"`
	Postgres  PostgresConfig  `yaml:"postgres" json:"postgres"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" json:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"` // /metrics
	Env      string `yaml:"env" json:"env"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// ChainConfig 链配置
type ChainConfig struct {
	RPCURLs       []string `yaml:"rpc_urls" json:"rpc_urls"` // http(s)/ws 或 geth.ipc 路径
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	PrivateKey    string   `yaml:"private_key" json:"-"`
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	RetryInterval int      `yaml:"retry_interval_ms" json:"retry_interval_ms"`
	CallTimeout   int      `yaml:"call_timeout" json:"call_timeout"` // 秒
}

// ContractsConfig 合约地址
type ContractsConfig struct {
	Ledger       string `yaml:"ledger" json:"ledger"`               // AuditPoints
	CoreRegistry string `yaml:"core_registry" json:"core_registry"` // JVCore
}

// AuditConfig 审计周期配置
type AuditConfig struct {
	RegistryPath       string `yaml:"registry_path" json:"registry_path"`
	WitnessPort        int    `yaml:"witness_port" json:"witness_port"`
	ProbeTimeout       int    `yaml:"probe_timeout" json:"probe_timeout"`     // 秒
	ProbeConcurrency   int    `yaml:"probe_concurrency" json:"probe_concurrency"`
	CheckinTimeout     int    `yaml:"checkin_timeout" json:"checkin_timeout"` // 秒
	CheckinConcurrency int    `yaml:"checkin_concurrency" json:"checkin_concurrency"`
	AutoAddPeers       bool   `yaml:"auto_add_peers" json:"auto_add_peers"`
	ChainFreshness     int    `yaml:"chain_freshness" json:"chain_freshness"` // 秒
	DedupSampleSize    int    `yaml:"dedup_sample_size" json:"dedup_sample_size"`
	FromBlock          uint64 `yaml:"from_block" json:"from_block"`
	ToBlock            uint64 `yaml:"to_block" json:"to_block"`               // 0 表示 latest
	Force              bool   `yaml:"force" json:"force"`
	ReceiptTimeout     int    `yaml:"receipt_timeout" json:"receipt_timeout"` // 秒
	DefaultGasLimit    uint64 `yaml:"default_gas_limit" json:"default_gas_limit"`
	GasLimitMultiplier string `yaml:"gas_limit_multiplier" json:"gas_limit_multiplier"`
	MaxGasPriceGwei    int64  `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
	SignerLockTTL      int    `yaml:"signer_lock_ttl" json:"signer_lock_ttl"` // 秒
	PayloadSampleSize  int    `yaml:"payload_sample_size" json:"payload_sample_size"`
	ReconcileDays      int    `yaml:"reconcile_lookback_days" json:"reconcile_lookback_days"`
}

// ReportConfig 月报配置
type ReportConfig struct {
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	Strategy    string `yaml:"strategy" json:"strategy"` // direct / replay
	Delay       int    `yaml:"delay_ms" json:"delay_ms"`
	CoreIDsPath string `yaml:"core_ids_path" json:"core_ids_path"`
	ScanChunk   uint64 `yaml:"scan_chunk" json:"scan_chunk"` // 事件扫描每段区块数
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`

	// SASL 用户名为空时不认证
	SASLMechanism string `yaml:"sasl_mechanism" json:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username" json:"sasl_username"`
	SASLPassword  string `yaml:"sasl_password" json:"-"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	AuditCron  string `yaml:"audit_cron" json:"audit_cron"`   // 秒级 cron，按 UTC+8 解析
	ReportCron string `yaml:"report_cron" json:"report_cron"` // 上月报表，空表示不启用
	Send      bool   `yaml:"send" json:"send"`
	LockTTL   int    `yaml:"lock_ttl" json:"lock_ttl"` // 秒
	Timeout   int    `yaml:"timeout" json:"timeout"`   // 秒
}

// Load 加载配置
//
// path 为空时只使用默认值与环境变量。
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "read %s", configPath)
		}

		// 环境变量替换
		content := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "parse %s", configPath)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// applyEnvOverrides 运维约定的环境变量优先于配置文件
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUDITOR_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("AUDIT_CONTRACT_ADDRESS"); v != "" {
		cfg.Contracts.Ledger = v
	}
	if v := os.Getenv("JOULE_RPC"); v != "" {
		cfg.Chain.RPCURLs = splitList(v)
	}
	if v := os.Getenv("FORCE"); v != "" {
		cfg.Audit.Force = GetEnvBool("FORCE", cfg.Audit.Force)
	}
	if v := GetEnvUint64("FROM_BLOCK", 0); v != 0 {
		cfg.Audit.FromBlock = v
	}
	if v := GetEnvUint64("TO_BLOCK", 0); v != 0 {
		cfg.Audit.ToBlock = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "jv-audit"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50070
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 9170
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if len(cfg.Chain.RPCURLs) == 0 {
		cfg.Chain.RPCURLs = []string{"http://127.0.0.1:8501"}
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 3666 // Jouleverse
	}
	if cfg.Chain.MaxRetries == 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.RetryInterval == 0 {
		cfg.Chain.RetryInterval = 1000
	}
	if cfg.Chain.CallTimeout == 0 {
		cfg.Chain.CallTimeout = 15
	}

	if cfg.Contracts.Ledger == "" {
		cfg.Contracts.Ledger = DefaultLedgerAddress
	}
	if cfg.Contracts.CoreRegistry == "" {
		cfg.Contracts.CoreRegistry = DefaultCoreRegistryAddress
	}

	a := &cfg.Audit
	if a.RegistryPath == "" {
		a.RegistryPath = "core_nodes.json"
	}
	if a.WitnessPort == 0 {
		a.WitnessPort = 8501
	}
	if a.ProbeTimeout == 0 {
		a.ProbeTimeout = 5
	}
	if a.ProbeConcurrency == 0 {
		a.ProbeConcurrency = 8
	}
	if a.CheckinTimeout == 0 {
		a.CheckinTimeout = 10
	}
	if a.CheckinConcurrency == 0 {
		a.CheckinConcurrency = 4
	}
	if a.ChainFreshness == 0 {
		a.ChainFreshness = 60
	}
	if a.DedupSampleSize == 0 {
		a.DedupSampleSize = 5
	}
	if a.ReceiptTimeout == 0 {
		a.ReceiptTimeout = 120
	}
	if a.DefaultGasLimit == 0 {
		a.DefaultGasLimit = 3_000_000
	}
	if a.GasLimitMultiplier == "" {
		a.GasLimitMultiplier = "1.2"
	}
	if a.MaxGasPriceGwei == 0 {
		a.MaxGasPriceGwei = 500
	}
	if a.SignerLockTTL == 0 {
		a.SignerLockTTL = 300
	}
	if a.PayloadSampleSize == 0 {
		a.PayloadSampleSize = 3
	}
	if a.ReconcileDays == 0 {
		a.ReconcileDays = 7
	}

	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "reports"
	}
	if cfg.Report.Strategy == "" {
		cfg.Report.Strategy = "direct"
	}
	if cfg.Report.ScanChunk == 0 {
		cfg.Report.ScanChunk = 50_000
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 2
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Scheduler.AuditCron == "" {
		cfg.Scheduler.AuditCron = "0 10 0 * * *"
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 600
	}
	if cfg.Scheduler.Timeout == 0 {
		cfg.Scheduler.Timeout = 900
	}
}

// Validate 启动前校验，配置错误在任何读写之前终止
func (c *Config) Validate(sendMode bool) error {
	if len(c.Chain.RPCURLs) == 0 {
		return apperrors.ErrInvalidConfig.WithMessagef("at least one RPC URL is required")
	}
	if !common.IsHexAddress(c.Contracts.Ledger) {
		return apperrors.ErrInvalidAddress.WithDetail("ledger", c.Contracts.Ledger).
			WithMessagef("invalid ledger contract address %q", c.Contracts.Ledger)
	}
	if !common.IsHexAddress(c.Contracts.CoreRegistry) {
		return apperrors.ErrInvalidAddress.WithDetail("core_registry", c.Contracts.CoreRegistry).
			WithMessagef("invalid core registry address %q", c.Contracts.CoreRegistry)
	}
	if c.Audit.ToBlock != 0 && c.Audit.ToBlock < c.Audit.FromBlock {
		return apperrors.ErrInvalidConfig.WithMessagef("to_block %d < from_block %d", c.Audit.ToBlock, c.Audit.FromBlock)
	}
	if sendMode && c.Chain.PrivateKey == "" {
		return apperrors.ErrMissingKey.WithMessagef("missing AUDITOR_PRIVATE_KEY environment variable")
	}
	return nil
}

// ProbeTimeoutDuration 探测超时
func (a AuditConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(a.ProbeTimeout) * time.Second
}

// CheckinTimeoutDuration 签到读取超时
func (a AuditConfig) CheckinTimeoutDuration() time.Duration {
	return time.Duration(a.CheckinTimeout) * time.Second
}

// ReceiptTimeoutDuration 回执等待超时
func (a AuditConfig) ReceiptTimeoutDuration() time.Duration {
	return time.Duration(a.ReceiptTimeout) * time.Second
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvUint64 获取环境变量无符号整数值
func GetEnvUint64(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvBool 1/true/yes/on 视为 true
func GetEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return defaultVal
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
