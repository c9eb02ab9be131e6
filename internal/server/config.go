package server

import (
	"fmt"
	"time"
)

// Config 为 TCP 服务器的运行配置。
type Config struct {
	// Host 为监听地址，空串表示监听全部网卡。
	Host string `mapstructure:"host"`

	// Port 为监听端口。
	Port int `mapstructure:"port"`

	// ReadTimeout 为单次读取的最长等待时间，超时视为客户端断开。
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// MaxMessageSize 为单条消息的字节上限，超限视为协议违例并断开连接。
	MaxMessageSize int `mapstructure:"max_message_size"`

	// StopGrace 为停机时等待在途连接处理完毕的最长时间。
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// DefaultConfig 返回一份带默认值的配置。
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8888,
		ReadTimeout:    30 * time.Second,
		MaxMessageSize: 4096,
		StopGrace:      10 * time.Second,
	}
}

// Addr 返回 "host:port" 形式的监听地址。
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
