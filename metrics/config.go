package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: dlq
//	  port: 9090
//	  path: /metrics
//	  runtime: true
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// Port 大于 0 时启动独立的 Prometheus HTTP 服务
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
	// Runtime 采集 Go runtime 指标（GC、goroutine、内存）
	Runtime bool `mapstructure:"runtime"`
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "deadletter"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
