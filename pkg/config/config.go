package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Minter   MinterConfig   `mapstructure:"minter"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Screener ScreenerConfig `mapstructure:"screener"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
	GrpcPort string `mapstructure:"grpc_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// MinterConfig 对应安装参数 (InitArgs)，升级时只有显式设置的字段会生效
type MinterConfig struct {
	Network              string        `mapstructure:"network"` // mainnet, testnet, signet, regtest
	MinterID             string        `mapstructure:"minter_id"`
	EcdsaKeyName         string        `mapstructure:"ecdsa_key_name"`
	XPub                 string        `mapstructure:"xpub"`
	MinConfirmations     uint32        `mapstructure:"min_confirmations"`
	RetrieveBtcMinAmount uint64        `mapstructure:"retrieve_btc_min_amount"`
	MaxTimeInQueue       time.Duration `mapstructure:"max_time_in_queue"`
	KytFee               uint64        `mapstructure:"kyt_fee"`
	KytPrincipal         string        `mapstructure:"kyt_principal"`
	LedgerID             string        `mapstructure:"ledger_id"`
	Mode                 string        `mapstructure:"mode"`
	ModeAllowList        []string      `mapstructure:"mode_allow_list"`
	Controllers          []string      `mapstructure:"controllers"`
	FeeRateSatPerVB      uint64        `mapstructure:"fee_rate_sat_per_vb"`
	ReconcileSpec        string        `mapstructure:"reconcile_spec"`  // cron 表达式，空字符串表示只在请求时对账
	CheckpointSpec       string        `mapstructure:"checkpoint_spec"` // 快照落盘周期
}

type IndexerConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DynamicFees    bool          `mapstructure:"dynamic_fees"`
}

type ScreenerConfig struct {
	Kind     string        `mapstructure:"kind"` // "none" or "redis"
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SignerConfig struct {
	KeystoreDir string `mapstructure:"keystore_dir"`
	Threshold   int    `mapstructure:"threshold"`
	Password    string `mapstructure:"password"` // 通常通过环境变量 SIGNER_PASSWORD 传入
}

// GatewayConfig HTTP 网关，转发到 minter gRPC
type GatewayConfig struct {
	HttpPort       string        `mapstructure:"http_port"`
	MinterAddr     string        `mapstructure:"minter_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if desired
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			// Config file was found but another error was produced
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// IsSet 报告某个 key 是否被配置文件或环境变量显式设置 (不含默认值)
func IsSet(key string) bool {
	if viper.InConfig(key) {
		return true
	}
	envKey := strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
	_, ok := os.LookupEnv(envKey)
	return ok
}

var defaults = map[string]interface{}{
	"app.env":       "development",
	"app.http_port": "8080",
	"app.grpc_port": "50051",

	"db.host":     "localhost",
	"db.port":     "5432",
	"db.user":     "minter_user",
	"db.password": "minter_password",
	"db.name":     "minter_db",

	"redis.addr":    "localhost:6379",
	"redis.db":      0,
	"redis.mq_type": "redis",

	"kafka.brokers": []string{"localhost:9092"},

	"minter.network":                 "regtest",
	"minter.minter_id":               "minter",
	"minter.ecdsa_key_name":          "master_ecdsa_public_key",
	"minter.min_confirmations":       6,
	"minter.retrieve_btc_min_amount": 10_000,
	"minter.max_time_in_queue":       "10m",
	"minter.kyt_fee":                 1_000,
	"minter.mode":                    "GeneralAvailability",
	"minter.fee_rate_sat_per_vb":     10,
	"minter.checkpoint_spec":         "@every 1m",

	"indexer.url":             "http://localhost:3002",
	"indexer.request_timeout": "10s",
	"indexer.max_retries":     3,

	"screener.kind":      "none",
	"screener.cache_ttl": "10m",

	"signer.keystore_dir": "keystore",
	"signer.threshold":    2,

	"gateway.http_port":       "8081",
	"gateway.minter_addr":     "localhost:50051",
	"gateway.request_timeout": "30s",
}

func setDefaults() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}
