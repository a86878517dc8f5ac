package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/internal/realtime"
	"github.com/nao1215/ticketing/pkg/httpclient"
	"github.com/nao1215/ticketing/pkg/middleware"
)

// shutdownTimeout はHTTPサーバーとWebSocket接続の停止を待つ上限時間。
const shutdownTimeout = 10 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// log はロガー。
	log *zap.Logger
	// verifier はセッショントークンの検証器。
	verifier *middleware.Verifier
	// cookieName はアクセストークンを格納するCookie名。
	cookieName string
	// public は認証不要なパスの集合。
	public *PublicRoutes
	// routes は中継先のルート表。
	routes *RouteTable
	// hub はWebSocketエンドポイント。
	hub *realtime.Hub
	// revocations は失効リスト。nilの場合は使わない。
	revocations TokenRevoker
}

// Option はServerの任意設定。
type Option func(*Server)

// WithRevocations は失効リストを設定する。
func WithRevocations(r TokenRevoker) Option {
	return func(s *Server) { s.revocations = r }
}

// WithRoutes は既定のルート表を置き換える。
func WithRoutes(routes ...Route) Option {
	return func(s *Server) { s.routes = NewRouteTable(routes...) }
}

// NewServer は新しいGatewayサーバーを生成する。hubは呼び出し側が生成し、TopicRouterと共有する。
func NewServer(cfg *Config, hub *realtime.Hub, log *zap.Logger, opts ...Option) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS(cfg.FrontendOrigins))

	s := &Server{
		router:     router,
		port:       cfg.Port,
		log:        log,
		verifier:   middleware.NewVerifier(cfg.JWTSecret),
		cookieName: cfg.CookieName,
		public:     NewPublicRoutes(append(DefaultPublicPatterns(), cfg.PublicRoutes...)...),
		routes:     NewRouteTable(DefaultRoutes(cfg.Services, cfg.ProxyTimeout, httpclient.WithMaxBodyBytes(cfg.ProxyMaxBodyBytes))...),
		hub:        hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	return s
}

// Handler はサーバーのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
// キャンセル後は新規接続の受け付けを止め、処理中のリクエストとWebSocket接続を閉じてから戻る。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
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

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}
	// ハイジャック済みのWebSocket接続は http.Server.Shutdown では閉じられない
	if err := s.hub.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("WebSocket接続の停止に失敗: %w", err))
	}
	s.log.Info("Gatewayサービスを停止しました")
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// バックエンドサービスへの中継
	api := s.router.Group("/api")
	api.Use(middleware.SessionAuth(middleware.SessionConfig{
		Verifier:    s.verifier,
		CookieName:  s.cookieName,
		IsPublic:    s.public.IsPublic,
		Revocations: s.revocations,
		Logger:      s.log,
	}))
	api.Any("/*path", s.handleProxy())

	// リアルタイム配信
	s.router.GET("/ws", gin.WrapH(s.hub))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
}

// SocketAuthenticator はWebSocketのアップグレード要求からユーザーIDを取り出す関数を返す。
// トークンが無い場合は空文字を返し、匿名の接続として許可する。
// 検証に失敗したトークンや失効済みのトークンは realtime.ErrUnauthorized で拒否する。
// 失効リストを照会できない場合もエラーを返し、接続を拒否させる。
func SocketAuthenticator(secret, cookieName string, revocations middleware.RevocationList) func(r *http.Request) (string, error) {
	verifier := middleware.NewVerifier(secret)
	return func(r *http.Request) (string, error) {
		token := middleware.TokenFromRequest(r, cookieName)
		if token == "" {
			return "", nil
		}
		identity, err := verifier.Verify(token)
		if err != nil {
			return "", fmt.Errorf("%w: %w", realtime.ErrUnauthorized, err)
		}
		if revocations != nil {
			revoked, err := revocations.IsRevoked(r.Context(), token)
			if err != nil {
				return "", fmt.Errorf("失効リストの照会に失敗: %w", err)
			}
			if revoked {
				return "", fmt.Errorf("%w: 失効済みのトークンです", realtime.ErrUnauthorized)
			}
		}
		return identity.UserID, nil
	}
}
