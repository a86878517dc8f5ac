// メッセージサービスのエントリポイント。
// チャットメッセージを保存し、NEW_MESSAGEイベントをブローカーへ発行する。
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/ticketing/internal/message"
	"github.com/nao1215/ticketing/pkg/eventbus"
	"github.com/nao1215/ticketing/pkg/logger"
)

func main() {
	cfg := message.LoadConfig()

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Error("メッセージサービスが異常終了しました", zap.Error(err))
		stop()
		zlog.Sync() //nolint:errcheck
		log.Fatalf("メッセージサービスの起動に失敗: %v", err)
	}
}

func run(ctx context.Context, cfg *message.Config, log *zap.Logger) error {
	db, err := message.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := message.NewStore(db)
	if err := store.Migrate(ctx, log); err != nil {
		return err
	}

	producer := eventbus.NewProducer(cfg.KafkaBrokers, log.Named("eventbus"))
	defer func() {
		if err := producer.Close(); err != nil {
			log.Warn("プロデューサーの停止に失敗", zap.Error(err))
		}
	}()

	server := message.NewServer(cfg.Port, store, producer, log)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("HTTPサーバーの実行に失敗: %w", err)
	}
	return nil
}
