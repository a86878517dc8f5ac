package gateway

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nao1215/ticketing/pkg/eventbus"
	"github.com/nao1215/ticketing/pkg/httpclient"
	"github.com/nao1215/ticketing/pkg/middleware"
)

// ErrMissingSecret はトークン検証用の秘密鍵が設定されていないことを表す。
var ErrMissingSecret = errors.New("JWT_SECRETが設定されていません")

// ServiceURLs はバックエンドサービスのベースURL。
type ServiceURLs struct {
	// User はユーザーサービス。
	User string
	// Organizer はオーガナイザーサービス。
	Organizer string
	// Admin は管理サービス。
	Admin string
	// Event はイベント（公演）サービス。
	Event string
	// Payment は決済サービス。
	Payment string
	// Message はメッセージサービス。
	Message string
}

// Config はGatewayサービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// FrontendOrigins はCORSとWebSocketで許可するフロントエンドのOrigin。
	FrontendOrigins []string
	// JWTSecret はセッショントークンの検証鍵。
	JWTSecret string
	// CookieName はアクセストークンを格納するCookie名。
	CookieName string
	// Services はバックエンドサービスのベースURL。
	Services ServiceURLs
	// ProxyTimeout は上流呼び出しのタイムアウト。
	ProxyTimeout time.Duration
	// ProxyMaxBodyBytes は上流レスポンスボディの上限バイト数。
	ProxyMaxBodyBytes int64
	// PublicRoutes は既定に追加する認証不要のパスパターン。
	PublicRoutes []string
	// KafkaBrokers はブローカーのブートストラップアドレス。
	KafkaBrokers []string
	// KafkaGroupID はコンシューマーグループID。
	KafkaGroupID string
	// TopicPartitions はプロビジョニングするトピックのパーティション数。
	TopicPartitions int
	// TopicReplication はプロビジョニングするトピックのレプリケーション係数。
	TopicReplication int
	// RedisAddr は失効リストを保持するRedisのアドレス。空の場合は失効リストを使わない。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string
	// LogLevel はログレベル。
	LogLevel string
}

// LoadConfig は環境変数から設定を読み込む。カレントディレクトリに .env があれば先に読み込む。
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnvOr("PORT", "8080"),
		FrontendOrigins: getEnvList("FRONTEND_URL", []string{"http://localhost:5173"}),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		CookieName:      getEnvOr("ACCESS_TOKEN_COOKIE", middleware.DefaultCookieName),
		Services: ServiceURLs{
			User:      getEnvOr("USER_SERVICE", "http://localhost:3001"),
			Organizer: getEnvOr("ORGANIZER_SERVICE", "http://localhost:3002"),
			Admin:     getEnvOr("ADMIN_SERVICE", "http://localhost:3003"),
			Event:     getEnvOr("EVENT_SERVICE", "http://localhost:3004"),
			Payment:   getEnvOr("PAYMENT_SERVICE", "http://localhost:3005"),
			Message:   getEnvOr("MESSAGE_SERVICE", "http://localhost:3006"),
		},
		ProxyTimeout:      getEnvDuration("PROXY_TIMEOUT", httpclient.DefaultTimeout),
		ProxyMaxBodyBytes: int64(getEnvInt("PROXY_MAX_BODY_BYTES", int(httpclient.DefaultMaxBodyBytes))),
		PublicRoutes:      getEnvList("PUBLIC_ROUTES", nil),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnvOr("KAFKA_GROUP_ID", eventbus.DefaultGroupID),
		TopicPartitions:   getEnvInt("TOPIC_PARTITIONS", 1),
		TopicReplication:  getEnvInt("TOPIC_REPLICATION", 1),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		LogLevel:          getEnvOr("LOG_LEVEL", "info"),
	}

	if cfg.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	return cfg, nil
}

// getEnvOr は環境変数を取得し、未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は環境変数を整数として取得する。未設定または不正な場合はデフォルト値を返す。
func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration は環境変数を time.ParseDuration 形式で取得する。
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList はカンマ区切りの環境変数を取得する。空要素は除く。
func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
