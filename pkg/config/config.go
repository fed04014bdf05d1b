// Package config sadd 的配置: YAML 文件 + SADD_* 环境变量覆盖。
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/seq"
)

// EnvPrefix 环境变量前缀，嵌套键用下划线连接 (如 SADD_SAD_REPLAY_WINDOW)
const EnvPrefix = "SADD"

// Config 完整配置
type Config struct {
	Log       logger.Config   `mapstructure:"log"`
	SAD       SADConfig       `mapstructure:"sad"`
	Dataplane DataplaneConfig `mapstructure:"dataplane"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Status    StatusConfig    `mapstructure:"status"`
	XFRM      XFRMConfig      `mapstructure:"xfrm"`
	SAs       []SAConfig      `mapstructure:"sas"`
}

// SADConfig 数据库与序列号参数
type SADConfig struct {
	ReplayWindow uint64        `mapstructure:"replay_window"` // bit，64 的倍数
	SoftLimit    uint64        `mapstructure:"soft_limit"`    // 0 为默认值
	AutoRetire   bool          `mapstructure:"auto_retire"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

// DataplaneConfig 分片 worker
type DataplaneConfig struct {
	Shards     int `mapstructure:"shards"`
	QueueDepth int `mapstructure:"queue_depth"`
	BatchSize  int `mapstructure:"batch_size"`
}

// MetricsConfig Prometheus 导出，挂在状态服务的监听地址上
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StatusConfig 只读 HTTP 状态接口 (/health、/sas)
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// XFRMConfig 内核镜像
type XFRMConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	NetNS        string `mapstructure:"netns"`
	ReqID        int    `mapstructure:"reqid"`
	Ifid         int    `mapstructure:"ifid"`
	ReplayWindow int    `mapstructure:"replay_window"`
}

// SAConfig 静态 SA，密钥为十六进制字符串
type SAConfig struct {
	SadID      uint32 `mapstructure:"sad_id"`
	SPI        uint32 `mapstructure:"spi"`
	Protocol   string `mapstructure:"protocol"`
	Crypto     string `mapstructure:"crypto"`
	CryptoKey  string `mapstructure:"crypto_key"`
	Integ      string `mapstructure:"integ"`
	IntegKey   string `mapstructure:"integ_key"`
	Salt       uint32 `mapstructure:"salt"`
	ESN        bool   `mapstructure:"esn"`
	AntiReplay bool   `mapstructure:"anti_replay"`
	Tunnel     bool   `mapstructure:"tunnel"`
	TunnelSrc  string `mapstructure:"tunnel_src"`
	TunnelDst  string `mapstructure:"tunnel_dst"`
	UDPEncap   bool   `mapstructure:"udp_encap"`
	UDPSrcPort uint16 `mapstructure:"udp_src_port"`
	UDPDstPort uint16 `mapstructure:"udp_dst_port"`
	TxTableID  uint32 `mapstructure:"tx_table_id"`
}

// SetDefaults 注册默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("sad.replay_window", seq.DefaultWindowSize)
	v.SetDefault("sad.soft_limit", 0)
	v.SetDefault("sad.auto_retire", true)
	v.SetDefault("sad.close_timeout", 5*time.Second)

	v.SetDefault("dataplane.shards", 4)
	v.SetDefault("dataplane.queue_depth", 1024)
	v.SetDefault("dataplane.batch_size", 32)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.listen", ":9108")

	v.SetDefault("xfrm.enabled", false)
	v.SetDefault("xfrm.replay_window", 32)
}

// New 创建绑定了默认值与环境变量的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置文件 (path 为空时只使用默认值与环境变量) 并校验
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置 %s 失败: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper 解码并校验
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查全局参数与每个静态 SA
func (c *Config) Validate() error {
	var err error
	if w := c.SAD.ReplayWindow; w != 0 && (w%64 != 0 || w > seq.MaxWindowSize) {
		err = multierr.Append(err, fmt.Errorf("sad.replay_window %d: 须为 64 的倍数且不超过 %d", w, seq.MaxWindowSize))
	}
	if c.Dataplane.Shards < 0 || c.Dataplane.QueueDepth < 0 || c.Dataplane.BatchSize < 0 {
		err = multierr.Append(err, errors.New("dataplane: 参数不能为负"))
	}
	if c.HTTPEnabled() && c.Status.Listen == "" {
		err = multierr.Append(err, errors.New("status.listen 为空"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		err = multierr.Append(err, fmt.Errorf("metrics.path %q 须以 / 开头", c.Metrics.Path))
	}
	seen := make(map[uint32]bool, len(c.SAs))
	for i := range c.SAs {
		sa := &c.SAs[i]
		if seen[sa.SadID] {
			err = multierr.Append(err, fmt.Errorf("sas[%d]: sad_id %d 重复", i, sa.SadID))
			continue
		}
		seen[sa.SadID] = true
		cand, e := sa.Candidate()
		if e == nil {
			_, e = sad.Validate(cand)
		}
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("sas[%d] (sad_id %d): %w", i, sa.SadID, e))
		}
	}
	return err
}

// HTTPEnabled 状态接口或指标任一开启时需要 HTTP 监听
func (c *Config) HTTPEnabled() bool {
	return c.Status.Enabled || c.Metrics.Enabled
}

// Candidates 静态 SA 列表
func (c *Config) Candidates() ([]sad.Candidate, error) {
	out := make([]sad.Candidate, 0, len(c.SAs))
	for i := range c.SAs {
		cand, err := c.SAs[i].Candidate()
		if err != nil {
			return nil, fmt.Errorf("sas[%d]: %w", i, err)
		}
		out = append(out, cand)
	}
	return out, nil
}

// Candidate 转换为待校验的 SA
func (s *SAConfig) Candidate() (sad.Candidate, error) {
	var c sad.Candidate
	var err error

	if c.Protocol, err = sad.ParseProto(s.Protocol); err != nil {
		return c, err
	}
	if c.Crypto, err = sad.ParseCryptoAlgorithm(s.Crypto); err != nil {
		return c, err
	}
	if c.Integ, err = sad.ParseIntegAlgorithm(s.Integ); err != nil {
		return c, err
	}
	if c.CryptoKey, err = parseKey("crypto_key", s.CryptoKey); err != nil {
		return c, err
	}
	if c.IntegKey, err = parseKey("integ_key", s.IntegKey); err != nil {
		return c, err
	}
	if c.TunnelSrc, err = parseIP("tunnel_src", s.TunnelSrc); err != nil {
		return c, err
	}
	if c.TunnelDst, err = parseIP("tunnel_dst", s.TunnelDst); err != nil {
		return c, err
	}

	c.SadID = s.SadID
	c.SPI = s.SPI
	c.Salt = s.Salt
	c.TxTableID = s.TxTableID
	c.UDPSrcPort = s.UDPSrcPort
	c.UDPDstPort = s.UDPDstPort
	c.Flags = sad.SadFlags{
		UseESN:        s.ESN,
		UseAntiReplay: s.AntiReplay,
		IsTunnel:      s.Tunnel,
		IsTunnelV6:    s.Tunnel && c.TunnelDst != nil && c.TunnelDst.To4() == nil,
		UDPEncap:      s.UDPEncap,
	}
	return c, nil
}

func parseKey(field, s string) (sad.Key, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return sad.Key{}, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return sad.Key{}, fmt.Errorf("%s: %w", field, err)
	}
	if len(b) > sad.MaxKeyLen {
		return sad.Key{}, fmt.Errorf("%s: 长度 %d 超过 %d", field, len(b), sad.MaxKeyLen)
	}
	return sad.NewKey(b), nil
}

func parseIP(field, s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%s: 无效地址 %q", field, s)
	}
	return ip, nil
}
