package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/httpclient"
	"github.com/nao1215/ticketing/pkg/middleware"
)

const (
	// MessageProxyError は上流呼び出しに失敗した場合にクライアントへ返すメッセージ。
	MessageProxyError = "Internal proxy error"
	// MessageNotFound は中継先が無いパスに対してクライアントへ返すメッセージ。
	MessageNotFound = "Not found"
)

// LogoutPath はログアウトAPIのパス。成功時にトークンを失効リストへ登録する。
const LogoutPath = UserAuthPrefix + "/logout"

// Route はパス接頭辞と中継先サービスの対応。
type Route struct {
	// Prefix はパス接頭辞（例: "/api/user"）。末尾のスラッシュは含めない。
	Prefix string
	// Service はログ出力用のサービス名。
	Service string
	// Upstream は中継先サービスのクライアント。
	Upstream *httpclient.Client
	// Guard は中継前に適用するミドルウェア。nilの場合は適用しない。
	Guard gin.HandlerFunc
}

// RouteTable は接頭辞の長い順に照合するルート表。
type RouteTable struct {
	routes []Route
}

// NewRouteTable はルート表を生成する。
func NewRouteTable(routes ...Route) *RouteTable {
	sorted := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Prefix = strings.TrimRight(r.Prefix, "/")
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &RouteTable{routes: sorted}
}

// Match はパスに一致するルートと、接頭辞を取り除いた上流でのパスを返す。
// 接頭辞はセグメント境界でのみ一致する。取り除いた結果が空の場合は "/" になる。
func (t *RouteTable) Match(path string) (*Route, string, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if path != r.Prefix && !strings.HasPrefix(path, r.Prefix+"/") {
			continue
		}
		rest := path[len(r.Prefix):]
		if rest == "" {
			rest = "/"
		}
		return r, rest, true
	}
	return nil, "", false
}

// DefaultRoutes は設定から既定のルート表を組み立てる。
// 管理サービスへの中継には admin ロールを要求する。optsは全ての上流クライアントに適用する。
func DefaultRoutes(services ServiceURLs, timeout time.Duration, opts ...httpclient.Option) []Route {
	upstream := func(baseURL string) *httpclient.Client {
		return httpclient.New(baseURL, timeout, opts...)
	}
	return []Route{
		{Prefix: "/api/user", Service: "user", Upstream: upstream(services.User)},
		{Prefix: "/api/organizer", Service: "organizer", Upstream: upstream(services.Organizer)},
		{
			Prefix:   "/api/admin",
			Service:  "admin",
			Upstream: upstream(services.Admin),
			Guard:    middleware.RequireRole("admin"),
		},
		{Prefix: "/api/event", Service: "event", Upstream: upstream(services.Event)},
		{Prefix: "/api/payment", Service: "payment", Upstream: upstream(services.Payment)},
		{Prefix: "/api/message", Service: "message", Upstream: upstream(services.Message)},
	}
}

// TokenRevoker はログアウトしたトークンを失効リストへ登録するストア。
type TokenRevoker interface {
	middleware.RevocationList
	// Revoke はトークンを有効期限まで失効させる。
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
}

// handleProxy は /api 配下のリクエストをルート表に従って中継するハンドラを返す。
// 上流のステータス・ヘッダー・ボディはそのまま返す。上流に到達できない場合は500を返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, upstreamPath, ok := s.routes.Match(c.Request.URL.Path)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": MessageNotFound})
			return
		}

		if route.Guard != nil {
			route.Guard(c)
			if c.IsAborted() {
				return
			}
		}

		resp, err := route.Upstream.Forward(c.Request.Context(), httpclient.Request{
			Method:        c.Request.Method,
			Path:          upstreamPath,
			RawPath:       escapedRest(c.Request.URL, route.Prefix),
			RawQuery:      c.Request.URL.RawQuery,
			Header:        forwardedHeader(c.Request),
			Body:          c.Request.Body,
			ContentLength: c.Request.ContentLength,
		})
		if err != nil {
			s.log.Error("上流サービスへの中継に失敗",
				zap.String("service", route.Service),
				zap.String("upstream", route.Upstream.BaseURL()),
				zap.String("method", c.Request.Method),
				zap.String("path", upstreamPath),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"message": MessageProxyError})
			return
		}

		if c.Request.URL.Path == LogoutPath && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			s.revokeSession(c)
		}

		header := c.Writer.Header()
		for key, values := range resp.Header {
			for _, v := range values {
				header.Add(key, v)
			}
		}
		c.Status(resp.StatusCode)
		if len(resp.Body) == 0 {
			c.Writer.WriteHeaderNow()
			return
		}
		if _, err := c.Writer.Write(resp.Body); err != nil {
			s.log.Debug("レスポンスの書き込みに失敗", zap.Error(err))
		}
	}
}

// escapedRest はエスケープ済みのパスから接頭辞を取り除いた残りを返す。
// 接頭辞の直後がセグメント境界でない場合（"%2F" が続く場合など）は空を返し、
// 上流へはデコード済みのパスだけを渡す。
func escapedRest(u *url.URL, prefix string) string {
	escaped := u.EscapedPath()
	switch {
	case escaped == prefix:
		return "/"
	case strings.HasPrefix(escaped, prefix+"/"):
		return escaped[len(prefix):]
	default:
		return ""
	}
}

// revokeSession はログアウトに使われたトークンを失効リストへ登録する。
// 署名検証に失敗したトークンは登録しない。
func (s *Server) revokeSession(c *gin.Context) {
	if s.revocations == nil {
		return
	}
	token := middleware.TokenFromRequest(c.Request, s.cookieName)
	if token == "" {
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		return
	}
	if err := s.revocations.Revoke(c.Request.Context(), token, identity.ExpiresAt); err != nil {
		s.log.Error("トークンの失効登録に失敗", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}
	s.log.Info("ログアウトしたトークンを失効させました", zap.String("user_id", identity.UserID))
}

// forwardedHeader は中継用のヘッダーを作る。X-Forwarded-* を付与する。
func forwardedHeader(r *http.Request) http.Header {
	h := r.Header.Clone()

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			host = strings.Join(prior, ", ") + ", " + host
		}
		h.Set("X-Forwarded-For", host)
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	return h
}
