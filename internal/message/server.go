package message

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/middleware"
)

const (
	// defaultConversationLimit は会話取得の既定件数。
	defaultConversationLimit = 50
	// maxConversationLimit は会話取得の上限件数。
	maxConversationLimit = 200
	// shutdownTimeout はHTTPサーバーの停止を待つ時間。
	shutdownTimeout = 10 * time.Second
)

// Publisher はブローカーへイベントを発行する。*eventbus.Producer が満たす。
type Publisher interface {
	Publish(ctx context.Context, topic event.Topic, key string, payload any) error
}

// Server はメッセージサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// log は構造化ロガー。
	log *zap.Logger
	// store はメッセージの永続化層。
	store *Store
	// publisher はNEW_MESSAGEイベントの発行先。
	publisher Publisher
}

// NewServer は新しいメッセージサーバーを生成する。
func NewServer(port string, store *Store, publisher Publisher, log *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))

	s := &Server{
		router:    router,
		port:      port,
		log:       log,
		store:     store,
		publisher: publisher,
	}
	s.setupRoutes()

	return s
}

// Handler はサーバーのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("メッセージサービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.log.Info("メッセージサービスを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	messages := s.router.Group("/messages")
	messages.Use(middleware.RequireIdentity())
	{
		// メッセージ送信
		messages.POST("", s.handleSend())
		// 相手ユーザーとの会話取得
		messages.GET("/:peerId", s.handleConversation())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "message"})
	})
}

// sendRequest はメッセージ送信リクエストのJSON構造。
type sendRequest struct {
	// Receiver は受信者のユーザーID。
	Receiver string `json:"receiver" binding:"required"`
	// Content はメッセージ本文。
	Content string `json:"content"`
	// Media は添付メディアの参照。
	Media string `json:"media"`
}

// handleSend はメッセージを保存しNEW_MESSAGEイベントを発行するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		sender := middleware.GetUserID(c)

		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request"})
			return
		}
		req.Receiver = strings.TrimSpace(req.Receiver)
		if req.Receiver == "" || (strings.TrimSpace(req.Content) == "" && req.Media == "") {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Receiver and content are required"})
			return
		}

		msg := event.NewChatMessage(sender, req.Receiver, req.Content, req.Media)
		if err := s.store.Create(c.Request.Context(), msg); err != nil {
			s.log.Error("メッセージの保存に失敗", zap.String("sender", sender), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": middleware.MessageInternalError})
			return
		}

		// 受信者をキーにして同じ会話のイベントを同じパーティションに載せる
		if err := s.publisher.Publish(c.Request.Context(), event.TopicNewMessage, msg.Receiver, msg); err != nil {
			// 発行に失敗してもメッセージ自体は保存済みとして扱う
			s.log.Error("NEW_MESSAGEイベントの発行に失敗",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}

		c.JSON(http.StatusCreated, gin.H{
			"message": "Message sent",
			"data":    msg,
		})
	}
}

// handleConversation は呼び出し元と相手ユーザーの会話を古い順に返すハンドラ。
func (s *Server) handleConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		peerID := c.Param("peerId")

		limit := defaultConversationLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid limit"})
				return
			}
			limit = min(n, maxConversationLimit)
		}

		messages, err := s.store.Conversation(c.Request.Context(), userID, peerID, limit)
		if err != nil {
			s.log.Error("会話の取得に失敗", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": middleware.MessageInternalError})
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": messages})
	}
}
