// API Gatewayサービスのエントリポイント。
// セッショントークンの検証、バックエンドサービスへのリクエスト中継、
// ブローカーから受け取ったイベントのWebSocket配信を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/ticketing/internal/gateway"
	"github.com/nao1215/ticketing/internal/realtime"
	"github.com/nao1215/ticketing/pkg/blacklist"
	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/eventbus"
	"github.com/nao1215/ticketing/pkg/logger"
	"github.com/nao1215/ticketing/pkg/middleware"
)

// provisionTimeout はトピックのプロビジョニングを待つ時間。
const provisionTimeout = 30 * time.Second

func main() {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Error("Gatewayサービスが異常終了しました", zap.Error(err))
		stop()
		zlog.Sync() //nolint:errcheck
		log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
	}
}

func run(ctx context.Context, cfg *gateway.Config, log *zap.Logger) error {
	provisionCtx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()
	specs := eventbus.TopicSpecs(event.Topics(), cfg.TopicPartitions, cfg.TopicReplication)
	if err := eventbus.NewAdmin(cfg.KafkaBrokers, log).EnsureTopics(provisionCtx, specs); err != nil {
		return fmt.Errorf("トピックのプロビジョニングに失敗: %w", err)
	}

	var (
		opts        []gateway.Option
		revocations middleware.RevocationList
	)
	if cfg.RedisAddr != "" {
		client, err := blacklist.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer client.Close()

		bl := blacklist.New(client)
		opts = append(opts, gateway.WithRevocations(bl))
		revocations = bl
		log.Info("トークン失効リストを有効化しました", zap.String("redis_addr", cfg.RedisAddr))
	}

	hub := realtime.NewHub(realtime.NewRegistry(), realtime.HubConfig{
		AllowedOrigins: cfg.FrontendOrigins,
		Authenticate:   gateway.SocketAuthenticator(cfg.JWTSecret, cfg.CookieName, revocations),
		Logger:         log.Named("realtime"),
	})

	router := gateway.NewTopicRouter(hub, log.Named("fanout"))
	consumer := eventbus.NewConsumer(eventbus.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topics:  router.Topics(),
	}, log.Named("eventbus"))

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	consumerErr := make(chan error, 1)
	go func() {
		err := consumer.Run(ctx, router.Dispatch)
		if err != nil {
			// 購読が止まった場合はHTTPサーバーも停止する
			cancelRun()
		}
		consumerErr <- err
	}()

	server := gateway.NewServer(cfg, hub, log, opts...)
	serverErr := server.Run(ctx)

	// 起動と逆順に停止する
	cancelRun()
	if err := consumer.Close(); err != nil {
		log.Warn("コンシューマーの停止に失敗", zap.Error(err))
	}
	if err := <-consumerErr; err != nil {
		return err
	}
	return serverErr
}
