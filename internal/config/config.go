// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
// 仅在 Init 中写入一次，启动后只读，由 main 显式传递给各组件。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig 存储 PostgreSQL 数据库的配置。
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Cost           LLMCostConfig       `mapstructure:"cost"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
// PredictionMaxTokens 用于限制预测类阶段回复的长度，摘要与问答阶段不受限。
type LLMGenerationConfig struct {
	Temperature         float64 `mapstructure:"temperature"`
	TopP                float64 `mapstructure:"top_p"`
	MaxTokens           int     `mapstructure:"max_tokens"`
	PredictionMaxTokens int     `mapstructure:"prediction_max_tokens"`
}

// LLMCostConfig 按模型名覆盖每 1K token 的费率（美元）。
// 缺省时使用 pkg/llm 内置的费率表。
type LLMCostConfig struct {
	InputPer1K  map[string]float64 `mapstructure:"input_per_1k"`
	OutputPer1K map[string]float64 `mapstructure:"output_per_1k"`
}

// IngestConfig 存储报告摄取流水线的配置。
type IngestConfig struct {
	ChunkSize     int   `mapstructure:"chunk_size"`
	ChunkOverlap  int   `mapstructure:"chunk_overlap"`
	TopK          int   `mapstructure:"top_k"`
	MaxFileBytes  int64 `mapstructure:"max_file_bytes"`
	HistoryWindow int   `mapstructure:"history_window"`
}

// GatewayConfig 存储消息网关（外部投递协作方）相关的配置。
type GatewayConfig struct {
	JWTSecret          string `mapstructure:"jwt_secret"`
	TokenExpireMinutes int    `mapstructure:"token_expire_minutes"`
}

// AdminConfig 存储管理接口的配置。KeyHash 是管理密钥的 bcrypt 哈希。
type AdminConfig struct {
	KeyHash string `mapstructure:"key_hash"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
