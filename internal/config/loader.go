package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CacheVersionEnv 覆盖配置文件中的 CacheVersion，便于发布时只改环境变量。
const CacheVersionEnv = "SHELLCACHE_CACHE_VERSION"

// LoadEnvFiles 加载 .env 文件到进程环境，文件不存在时忽略；已有环境变量不会被覆盖。
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("加载环境文件 %s 失败: %w", path, err)
		}
	}
	return nil
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.BindEnv("CacheVersion", CacheVersionEnv); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRouteDefaults(&cfg.Routes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("EntryCodec", "msgpack")
	v.SetDefault("MemoryCache", "none")
	v.SetDefault("MaxMemoryCacheSize", 64*1024*1024)
	v.SetDefault("MemoryCacheTTL", "10m")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheVersion", "v1")
	v.SetDefault("AppShell", []string{"/", "/ui", "/static/logo.png"})
	v.SetDefault("Routes.VolatilePrefixes", []string{"/predict", "/pepperinfo/"})
	v.SetDefault("Routes.NavigablePages", []string{"/", "/ui"})
	v.SetDefault("Routes.NormalizeTrailingSlash", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
	g.EntryCodec = strings.ToLower(strings.TrimSpace(g.EntryCodec))
	if g.EntryCodec == "" {
		g.EntryCodec = "msgpack"
	}
	g.MemoryCache = strings.ToLower(strings.TrimSpace(g.MemoryCache))
	if g.MemoryCache == "" {
		g.MemoryCache = "none"
	}
	if g.MemoryCacheTTL.DurationValue() == 0 {
		g.MemoryCacheTTL = Duration(10 * time.Minute)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.CacheVersion = strings.TrimSpace(g.CacheVersion)
	g.AppShell = trimAll(g.AppShell)
}

func applyRouteDefaults(r *RoutesConfig) {
	r.VolatilePrefixes = trimAll(r.VolatilePrefixes)
	r.NavigablePages = trimAll(r.NavigablePages)
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
