package message

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config はメッセージサービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースファイルのパス。
	DBPath string
	// KafkaBrokers はブローカーのブートストラップアドレス。
	KafkaBrokers []string
	// LogLevel はログレベル。
	LogLevel string
}

// LoadConfig は環境変数から設定を読み込む。カレントディレクトリに .env があれば先に読み込む。
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:         getEnvOr("PORT", "3006"),
		DBPath:       getEnvOr("DB_PATH", "/data/message.db"),
		KafkaBrokers: splitList(getEnvOr("KAFKA_BROKERS", "localhost:9092")),
		LogLevel:     getEnvOr("LOG_LEVEL", "info"),
	}
}

// getEnvOr は環境変数を取得し、未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
