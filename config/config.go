// Package config 提供了统一的配置加载与管理能力.
// 配置文件为 TOML, 环境变量以 APP_ 为前缀覆盖同名键, 文件变化时自动热更新.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Config 全局顶级配置结构.
type Config struct {
	Version    string           `mapstructure:"version"    toml:"version"`
	Log        LogConfig        `mapstructure:"log"        toml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
	Simulation SimulationConfig `mapstructure:"simulation" toml:"simulation"`
	Grid       GridConfig       `mapstructure:"grid"       toml:"grid"`
	Model      ModelConfig      `mapstructure:"model"      toml:"model"`
	Credit     CreditConfig     `mapstructure:"credit"     toml:"credit"`
	Cache      CacheConfig      `mapstructure:"cache"      toml:"cache"`
	Worker     WorkerConfig     `mapstructure:"worker"     toml:"worker"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"       validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"        toml:"file"`        // 日志文件路径。
	Stdout     bool   `mapstructure:"stdout"      toml:"stdout"`      // 配置文件时是否同时输出到 stdout。
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单个文件最大大小 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 最大备份数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 最大保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否启用压缩。
}

// TracingConfig 分布式链路追踪（OpenTelemetry）配置.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio" validate:"gte=0,lte=1"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Port    string `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// SimulationConfig 蒙特卡洛模拟参数. 路径数在批次间均分, 余数归入前面的批次.
type SimulationConfig struct {
	Times           []float64 `mapstructure:"times"            toml:"times"            validate:"required,min=1,dive,gt=0"`
	Samples         int       `mapstructure:"samples"          toml:"samples"          validate:"required,min=1"`
	Batches         int       `mapstructure:"batches"          toml:"batches"          validate:"required,min=1,ltefield=Samples"`
	Seed            uint64    `mapstructure:"seed"             toml:"seed"`
	Antithetic      bool      `mapstructure:"antithetic"       toml:"antithetic"`
	RegressionOrder int       `mapstructure:"regression_order" toml:"regression_order" validate:"min=1,max=8"`
	IndicatorEps    float64   `mapstructure:"indicator_eps"    toml:"indicator_eps"    validate:"gte=0"`
	// Sensitivities 是否对 CVA 做反向求导.
	Sensitivities bool `mapstructure:"sensitivities" toml:"sensitivities"`
}

// GridConfig 卷积求解器网格.
type GridConfig struct {
	Sy float64 `mapstructure:"sy" toml:"sy" validate:"gt=0"`
	Ny int     `mapstructure:"ny" toml:"ny" validate:"gt=0"`
	Sx float64 `mapstructure:"sx" toml:"sx" validate:"gt=0"`
	Nx int     `mapstructure:"nx" toml:"nx" validate:"gt=0"`
}

// ModelConfig 单货币 LGM 模型参数, 折现曲线为连续复利平坦曲线.
type ModelConfig struct {
	Currency string  `mapstructure:"currency"  toml:"currency"  validate:"required,len=3"`
	Alpha    float64 `mapstructure:"alpha"     toml:"alpha"     validate:"gt=0"`
	Kappa    float64 `mapstructure:"kappa"     toml:"kappa"`
	FlatRate float64 `mapstructure:"flat_rate" toml:"flat_rate"`
}

// CreditConfig 交易对手信用参数.
type CreditConfig struct {
	HazardRate float64 `mapstructure:"hazard_rate" toml:"hazard_rate" validate:"gte=0"`
	Recovery   float64 `mapstructure:"recovery"    toml:"recovery"    validate:"gte=0,lt=1"`
	// Volatility 对数违约强度的波动率, 为 0 时违约强度为常数.
	Volatility float64 `mapstructure:"volatility"  toml:"volatility"  validate:"gte=0"`
	// Correlation 信用因子与利率因子的相关系数, 只在 Volatility > 0 时使用.
	Correlation float64 `mapstructure:"correlation" toml:"correlation" validate:"gt=-1,lt=1"`
}

// CacheConfig 结果缓存配置.
type CacheConfig struct {
	TTL     time.Duration `mapstructure:"ttl"     toml:"ttl"`
	MaxMB   int           `mapstructure:"max_mb"  toml:"max_mb"  validate:"gte=0"`
	Enabled bool          `mapstructure:"enabled" toml:"enabled"`
}

// WorkerConfig 批次计算的 worker 池.
type WorkerConfig struct {
	Size      int `mapstructure:"size"       toml:"size"       validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" toml:"queue_size" validate:"gte=0"`
}

// Default 返回可以直接使用的默认配置.
func Default() *Config {
	return &Config{
		Version: "dev",
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "quantcore", SamplerRatio: 1},
		Simulation: SimulationConfig{
			Times:           []float64{1, 2, 3, 4, 5},
			Samples:         10000,
			Batches:         4,
			Seed:            42,
			Antithetic:      true,
			RegressionOrder: 4,
		},
		Grid:   GridConfig{Sy: 7, Ny: 10, Sx: 7, Nx: 10},
		Model:  ModelConfig{Currency: "EUR", Alpha: 0.01, Kappa: 0.01, FlatRate: 0.02},
		Credit: CreditConfig{HazardRate: 0.01, Recovery: 0.4},
		Cache:  CacheConfig{TTL: 10 * time.Minute, MaxMB: 64},
		Worker: WorkerConfig{Size: 4, QueueSize: 16},
	}
}

var (
	validate     = validator.New()
	vInstance    = viper.New()
	reloadMu     sync.Mutex
	onReload     []func(*Config)
	reloadActive bool
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	reloadMu.Lock()
	defer reloadMu.Unlock()
	onReload = append(onReload, hook)
}

// Validate 校验配置结构.
func Validate(conf *Config) error {
	if err := validate.Struct(conf); err != nil {
		return xerrors.Newf(xerrors.ErrInvalidConfig, "config validation failed: %v", err)
	}
	return nil
}

// Load 读取配置文件并与 Default 合并, 校验通过后开始监听文件变化.
func Load(path string) (*Config, error) {
	conf := Default()

	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	if err := vInstance.ReadInConfig(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read config "+path)
	}
	if err := decode(conf); err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "unmarshal config "+path)
	}
	if err := Validate(conf); err != nil {
		return nil, err
	}
	logging.SetLevel(conf.Log.Level)

	reloadMu.Lock()
	defer reloadMu.Unlock()
	if !reloadActive {
		reloadActive = true
		vInstance.OnConfigChange(func(event fsnotify.Event) {
			reload(event, conf)
		})
		vInstance.WatchConfig()
	}
	return conf, nil
}

// decode 把 viper 中的值写入 conf. 解码不会截断已有切片, 文件中出现的切片先清空.
func decode(conf *Config) error {
	if vInstance.IsSet("simulation.times") {
		conf.Simulation.Times = nil
	}
	return vInstance.Unmarshal(conf)
}

// reload 在副本上解析和校验, 成功后才替换当前配置.
func reload(event fsnotify.Event, conf *Config) {
	slog.Info("detecting config change", "file", event.Name, "op", event.Op.String())
	const debounceTimeout = 500 * time.Millisecond
	time.Sleep(debounceTimeout)

	next := Default()
	if err := decode(next); err != nil {
		slog.Error("reload config unmarshal failed", "error", err)
		return
	}
	if err := Validate(next); err != nil {
		slog.Error("reload config validation failed", "error", err)
		return
	}

	reloadMu.Lock()
	defer reloadMu.Unlock()
	*conf = *next
	logging.SetLevel(conf.Log.Level)
	slog.Info("config hot-reloaded and validated successfully")
	for _, hook := range onReload {
		hook(conf)
	}
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)

		return
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		slog.Error("failed to unmarshal config for masking", "error", unmarshalErr)

		return
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		slog.Error("failed to marshal masked config", "error", marshalErr)

		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "endpoint", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// String 返回配置摘要, 用于日志.
func (c *Config) String() string {
	return fmt.Sprintf("version=%s samples=%d batches=%d times=%d ccy=%s workers=%d",
		c.Version, c.Simulation.Samples, c.Simulation.Batches, len(c.Simulation.Times), c.Model.Currency, c.Worker.Size)
}
