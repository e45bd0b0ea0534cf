package trace

// Config 链路追踪配置，Enabled 为 false 时 Init 安装不导出的 Provider
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"` // [必填] 资源属性 service.name
	// Endpoint OTLP gRPC 收集端地址，默认 localhost:4317
	Endpoint string `mapstructure:"endpoint"`
	// Sampler 采样率 [0, 1]，以父 Span 决策优先
	Sampler float64 `mapstructure:"sampler"`
	// Batcher batch | simple，死信写入量小时 simple 便于调试
	Batcher  string `mapstructure:"batcher"`
	Insecure bool   `mapstructure:"insecure"`
}

// DefaultConfig 返回全量采样、批量导出到本地收集端的配置，默认不启用
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Endpoint:    "localhost:4317",
		Sampler:     1.0,
		Batcher:     "batch",
		Insecure:    true,
	}
}
