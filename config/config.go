// Package config 加载 riskrank 的 YAML 配置，并根据配置构建数据源、模型存储、训练编排器和预测服务。
//
// 配置解析顺序：
//  1. 读取文件，展开 ${VAR} 形式的环境变量（已废弃，出现时记一次 WARN）
//  2. YAML 解析（未知字段报错）
//  3. *_env 间接引用：如 api_token_env: TRAINING_CENTRAL_API_TOKEN，仅在对应字段为空时生效
//  4. 环境变量覆盖：RISKRANK_STORAGE_ROOT、RISKRANK_DEFAULT_MODEL_ID
//  5. 填充默认值并校验
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rushteam/riskrank/core"
)

// 覆盖配置的环境变量
const (
	EnvStorageRoot    = "RISKRANK_STORAGE_ROOT"
	EnvDefaultModelID = "RISKRANK_DEFAULT_MODEL_ID"
)

// 数据源类型
const (
	SourceFile      = "file"
	SourceHTTP      = "http"
	SourceGenerated = "generated"
)

// 存储后端类型
const (
	BackendLocal  = "local"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config 顶层配置
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Data     DataConfig     `yaml:"data"`
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // json / text
}

// DataConfig 训练数据来源
type DataConfig struct {
	Source   string         `yaml:"source"` // file / http / generated
	File     string         `yaml:"file"`
	MaxRows  int            `yaml:"max_rows"`
	Filter   string         `yaml:"filter"` // CEL 记录过滤表达式
	Filters  FiltersConfig  `yaml:"filters"`
	HTTP     HTTPConfig     `yaml:"http"`
	Generate GenerateConfig `yaml:"generate"`
}

// FiltersConfig 导出接口的查询条件
type FiltersConfig struct {
	Cluster   string   `yaml:"cluster"`
	Namespace string   `yaml:"namespace"`
	MinCVSS   *float64 `yaml:"min_cvss"`
	Active    *bool    `yaml:"active"`
	VulnState string   `yaml:"vuln_state"`
}

// HTTPConfig 远程导出接口
type HTTPConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	APIToken           string        `yaml:"api_token"`
	APITokenEnv        string        `yaml:"api_token_env"`
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryInitial       time.Duration `yaml:"retry_initial"`
	RetryMax           time.Duration `yaml:"retry_max"`
	Alerts             bool          `yaml:"alerts"`
	Policies           bool          `yaml:"policies"`
	CollectorTimeout   time.Duration `yaml:"collector_timeout"`
	AlertCacheSize     int           `yaml:"alert_cache_size"`
}

// GenerateConfig 合成数据
type GenerateConfig struct {
	Samples  int    `yaml:"samples"`
	Clusters int    `yaml:"clusters"`
	Seed     uint64 `yaml:"seed"`
}

// ModelConfig 模型超参数，零值表示使用模型默认值
type ModelConfig struct {
	Algorithm          string  `yaml:"algorithm"`
	Trees              int     `yaml:"trees"`
	MaxDepth           int     `yaml:"max_depth"`
	MinSamplesLeaf     int     `yaml:"min_samples_leaf"`
	LearningRate       float64 `yaml:"learning_rate"`
	FeatureFraction    float64 `yaml:"feature_fraction"`
	ValidationFraction float64 `yaml:"validation_split"`
	EarlyStopping      int     `yaml:"early_stopping_rounds"`
	Seed               *uint64 `yaml:"random_state"`
	RankLabels         *bool   `yaml:"rank_labels"`
	Attribution        *bool   `yaml:"attribution"`
	TopFeatures        int     `yaml:"top_features"`
}

// TrainingConfig 训练编排
type TrainingConfig struct {
	ModelID       string `yaml:"model_id"`
	BaselineCheck *bool  `yaml:"baseline_check"`
	CreatedBy     string `yaml:"created_by"`
}

// StorageConfig 模型存储，Backup 非空时启用主备复制
type StorageConfig struct {
	Backend string         `yaml:"backend"` // local / redis / memory
	Root    string         `yaml:"root"`
	Prefix  string         `yaml:"prefix"`
	Redis   RedisConfig    `yaml:"redis"`
	Backup  *StorageConfig `yaml:"backup"`
}

// RedisConfig Redis 对象存储
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// ServerConfig 预测服务
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	DefaultModelID string `yaml:"default_model_id"`
	WatchStorage   bool   `yaml:"watch_storage"`
	Metrics        *bool  `yaml:"metrics"`
}

// NATSConfig 热加载消息
type NATSConfig struct {
	URL     string `yaml:"url"`
	URLEnv  string `yaml:"url_env"`
	Subject string `yaml:"subject"`
}

// Default 返回全部为默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

var legacyVar = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var legacyWarnOnce sync.Once

// Load 读取并解析配置文件，path 为空时返回默认配置（仍应用环境变量覆盖）
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		cfg.applyEnv()
		cfg.applyDefaults()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleConfig, core.ErrorCodeNotFound, "read config "+path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容
func Parse(data []byte) (*Config, error) {
	data = expandLegacy(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.WrapDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "parse yaml", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandLegacy 展开 ${VAR}，未设置的变量展开为空串
func expandLegacy(data []byte) []byte {
	if !legacyVar.Match(data) {
		return data
	}
	legacyWarnOnce.Do(func() {
		slog.Warn("${VAR} interpolation in config is deprecated, use *_env fields instead")
	})
	return legacyVar.ReplaceAllFunc(data, func(m []byte) []byte {
		name := legacyVar.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyEnv 处理 *_env 间接引用和环境变量覆盖
func (c *Config) applyEnv() {
	resolveEnv(&c.Data.HTTP.APIToken, c.Data.HTTP.APITokenEnv)
	resolveEnv(&c.NATS.URL, c.NATS.URLEnv)
	for sc := &c.Storage; sc != nil; sc = sc.Backup {
		resolveEnv(&sc.Redis.Password, sc.Redis.PasswordEnv)
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv(EnvDefaultModelID); v != "" {
		c.Server.DefaultModelID = v
	}
}

func resolveEnv(field *string, envName string) {
	if *field == "" && envName != "" {
		*field = os.Getenv(envName)
	}
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Data.Source == "" {
		c.Data.Source = SourceFile
	}
	if c.Data.Generate.Samples == 0 {
		c.Data.Generate.Samples = 1000
	}
	if c.Data.Generate.Clusters == 0 {
		c.Data.Generate.Clusters = 3
	}
	if c.Data.Generate.Seed == 0 {
		c.Data.Generate.Seed = 42
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.Backend == BackendLocal && c.Storage.Root == "" {
		c.Storage.Root = "./models_storage"
	}
	if c.Storage.Backup != nil && c.Storage.Backup.Backend == "" {
		c.Storage.Backup.Backend = BackendLocal
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DefaultModelID == "" {
		c.Server.DefaultModelID = "deployment-risk"
	}
	if c.Training.ModelID == "" {
		c.Training.ModelID = c.Server.DefaultModelID
	}
}

// Validate 校验枚举值和必填项
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level))
	}
	if !slices.Contains([]string{"json", "text"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json/text", c.Logging.Format))
	}
	if !slices.Contains(SupportedSources(), c.Data.Source) {
		errs = append(errs, fmt.Errorf("data.source %q is not supported (supported: %v)", c.Data.Source, SupportedSources()))
	}
	if c.Data.Source == SourceHTTP && c.Data.HTTP.Endpoint == "" {
		errs = append(errs, errors.New("data.http.endpoint is required for the http source"))
	}
	if c.Data.MaxRows < 0 {
		errs = append(errs, errors.New("data.max_rows must not be negative"))
	}
	if err := c.Storage.validate("storage"); err != nil {
		errs = append(errs, err)
	}
	if b := c.Storage.Backup; b != nil {
		if err := b.validate("storage.backup"); err != nil {
			errs = append(errs, err)
		}
		if b.Backup != nil {
			errs = append(errs, errors.New("storage.backup must not have its own backup"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return core.WrapDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "invalid config", err)
	}
	return nil
}

func (sc *StorageConfig) validate(name string) error {
	switch sc.Backend {
	case BackendLocal:
		if sc.Root == "" {
			return fmt.Errorf("%s.root is required for the local backend", name)
		}
	case BackendRedis:
		if sc.Redis.Addr == "" {
			return fmt.Errorf("%s.redis.addr is required for the redis backend", name)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%s.backend %q is not one of local/redis/memory", name, sc.Backend)
	}
	return nil
}

// Snapshot 返回可写入模型元数据的配置快照（不含密钥）
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"data": map[string]any{
			"source":   c.Data.Source,
			"file":     c.Data.File,
			"max_rows": c.Data.MaxRows,
			"filter":   c.Data.Filter,
			"endpoint": c.Data.HTTP.Endpoint,
		},
		"model": map[string]any{
			"algorithm":        c.Model.Algorithm,
			"trees":            c.Model.Trees,
			"max_depth":        c.Model.MaxDepth,
			"learning_rate":    c.Model.LearningRate,
			"validation_split": c.Model.ValidationFraction,
		},
		"storage": map[string]any{
			"backend": c.Storage.Backend,
			"backup":  c.Storage.Backup != nil,
		},
	}
}
