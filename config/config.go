package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"peerplat/game"
)

// DefaultPath 默认配置文件路径，可用 PEERPLAT_CONFIG 覆盖
const DefaultPath = "config/peerplat.yaml"

// Config 单个对等端进程的全部配置
type Config struct {
	Listen string `yaml:"listen"`

	Log       Log         `yaml:"log"`
	Loop      Loop        `yaml:"loop"`
	Physics   game.Params `yaml:"physics"`
	Level     Level       `yaml:"level"`
	Transport Transport   `yaml:"transport"`
}

// Log 日志输出与滚动
type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"` // 同时输出到 stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Loop 渲染循环
type Loop struct {
	FPS int `yaml:"fps"`
	// FixedStep 为 true 时按实际流逝时间做固定步长累加；
	// 为 false 时每帧固定推进 1/FPS 秒（与原版行为一致）
	FixedStep bool `yaml:"fixed_step"`
	// MaxStepsPerTick 固定步长模式下单帧最多补算的步数
	MaxStepsPerTick int `yaml:"max_steps_per_tick"`
	// TextEvery 文本渲染器每隔多少帧输出一次，0 关闭
	TextEvery int `yaml:"text_every"`
}

// Level 关卡来源
type Level struct {
	Path     string  `yaml:"path"`
	CellSize float64 `yaml:"cell_size"`
}

// Transport 对等链路
type Transport struct {
	Codec        string        `yaml:"codec"`
	SendQueue    int           `yaml:"send_queue"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxMessage   int64         `yaml:"max_message"`

	// ForwardInput 观察端把本地按键以 keyState 发给权威端
	ForwardInput bool `yaml:"forward_input"`
	// RemoteControl 权威端把收到的按键并入模拟输入
	RemoteControl bool `yaml:"remote_control"`
	// KeyStateRate 权威端每秒最多处理的 keyState 数
	KeyStateRate float64 `yaml:"key_state_rate"`

	// FastSpeed 观察端应用快照时，速度超过该值记一条日志
	FastSpeed float64 `yaml:"fast_speed"`
}

// Default 返回带默认值的配置
func Default() Config {
	return Config{
		Listen: ":8080",
		Log: Log{
			File:       "app.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Loop: Loop{
			FPS:             60,
			MaxStepsPerTick: 5,
		},
		Physics: game.DefaultParams(),
		Level: Level{
			CellSize: 40,
		},
		Transport: Transport{
			Codec:        "json",
			SendQueue:    64,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  60 * time.Second,
			DialTimeout:  10 * time.Second,
			MaxMessage:   1 << 20,
			ForwardInput: true,
			KeyStateRate: 120,
			FastSpeed:    300,
		},
	}
}

// Load 读取 YAML 配置，文件不存在时使用默认值；随后应用 .env 与环境变量覆盖
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv PEERPLAT_* 环境变量覆盖
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("PEERPLAT_LISTEN", &c.Listen)
	str("PEERPLAT_LOG_FILE", &c.Log.File)
	str("PEERPLAT_LOG_LEVEL", &c.Log.Level)
	str("PEERPLAT_LEVEL", &c.Level.Path)
	str("PEERPLAT_CODEC", &c.Transport.Codec)
	if v := getenv("PEERPLAT_PHYSICS_MODE"); v != "" {
		c.Physics.Mode = game.Mode(strings.ToLower(v))
	}
	if err := boolean("PEERPLAT_LOG_CONSOLE", &c.Log.Console); err != nil {
		return err
	}
	if err := boolean("PEERPLAT_FIXED_STEP", &c.Loop.FixedStep); err != nil {
		return err
	}
	if err := boolean("PEERPLAT_FORWARD_INPUT", &c.Transport.ForwardInput); err != nil {
		return err
	}
	if err := boolean("PEERPLAT_REMOTE_CONTROL", &c.Transport.RemoteControl); err != nil {
		return err
	}
	return integer("PEERPLAT_FPS", &c.Loop.FPS)
}

// Validate 检查取值范围
func (c Config) Validate() error {
	if c.Loop.FPS <= 0 || c.Loop.FPS > 1000 {
		return fmt.Errorf("loop.fps must be in (0, 1000], got %d", c.Loop.FPS)
	}
	if c.Loop.MaxStepsPerTick <= 0 {
		return fmt.Errorf("loop.max_steps_per_tick must be positive, got %d", c.Loop.MaxStepsPerTick)
	}
	if c.Level.CellSize <= 0 {
		return fmt.Errorf("level.cell_size must be positive, got %v", c.Level.CellSize)
	}
	switch c.Physics.Mode {
	case game.ModeVelocity, game.ModeForce:
	default:
		return fmt.Errorf("physics.mode must be %q or %q, got %q", game.ModeVelocity, game.ModeForce, c.Physics.Mode)
	}
	if c.Transport.SendQueue <= 0 {
		return fmt.Errorf("transport.send_queue must be positive, got %d", c.Transport.SendQueue)
	}
	if c.Transport.KeyStateRate <= 0 {
		return fmt.Errorf("transport.key_state_rate must be positive, got %v", c.Transport.KeyStateRate)
	}
	return nil
}

// TickInterval 渲染循环的帧间隔
func (l Loop) TickInterval() time.Duration {
	return time.Second / time.Duration(l.FPS)
}

// StepSeconds 名义物理步长
func (l Loop) StepSeconds() float64 {
	return 1 / float64(l.FPS)
}
