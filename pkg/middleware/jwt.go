package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrMissingCredential はセッショントークンが提示されていないことを表す。
	ErrMissingCredential = errors.New("セッショントークンがありません")
	// ErrInvalidCredential は署名検証に失敗した、または構造が不正なトークンであることを表す。
	ErrInvalidCredential = errors.New("セッショントークンが不正です")
	// ErrExpiredCredential はトークンの有効期限が切れていることを表す。
	ErrExpiredCredential = errors.New("セッショントークンの有効期限が切れています")
)

const (
	// MessageNotAuthenticated はトークンが無い場合にクライアントへ返すメッセージ。
	MessageNotAuthenticated = "Not authenticated"
	// MessageInvalidToken はトークンが不正または期限切れの場合にクライアントへ返すメッセージ。
	MessageInvalidToken = "Invalid or expired token"
)

// DefaultCookieName はアクセストークンを格納するCookieの既定名。
const DefaultCookieName = "accessToken"

// Claims はセッショントークンのクレーム（ペイロード）を表す。
// ユーザーサービスが発行するトークンは sub の代わりに id を、
// roles の代わりに単一の role を持つ場合があるため両方を受け付ける。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は sub が無いトークンで使われるユーザーID。
	UserID string `json:"id,omitempty"`
	// Roles はユーザーに付与されたロールの一覧。
	Roles []string `json:"roles,omitempty"`
	// Role は単一ロール形式のトークンで使われるロール。
	Role string `json:"role,omitempty"`
}

// Identity は検証済みトークンから導出した呼び出し元の情報。
type Identity struct {
	// UserID は呼び出し元ユーザーの識別子。
	UserID string
	// Roles は呼び出し元のロール一覧。空の場合は特権なしとして扱う。
	Roles []string
	// ExpiresAt はトークンの有効期限。ヘッダーから復元した場合はゼロ値。
	ExpiresAt time.Time
}

// HasAnyRole は指定されたロールのいずれかを持つかどうかを返す。
func (id Identity) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range id.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Verifier はHS256で署名されたセッショントークンを検証する。
// 署名鍵はプロセス全体で固定であり、リクエストごとに変わらない。
type Verifier struct {
	secret []byte
}

// NewVerifier は指定された共有秘密鍵でVerifierを生成する。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify はトークンを検証し、呼び出し元のIdentityを返す。
// 失敗時は ErrMissingCredential / ErrInvalidCredential / ErrExpiredCredential のいずれかを返す。
func (v *Verifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: subjectがありません", ErrInvalidCredential)
	}

	identity := &Identity{
		UserID: subject,
		Roles:  collectRoles(claims.Roles, claims.Role),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// collectRoles は配列形式と単一形式のロールを重複なくまとめる。
func collectRoles(roles []string, role string) []string {
	if role != "" {
		roles = append(roles, role)
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// GenerateJWT はユーザー情報からセッショントークンを生成する。
// 本番のトークンはユーザーサービスが発行する。開発用ツールとテストで使用する。
func GenerateJWT(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "ticketing-user-service",
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// RevocationList は失効済みトークンを照会するストア。
type RevocationList interface {
	// IsRevoked はトークンが失効済みかどうかを返す。
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// SessionConfig はSessionAuthミドルウェアの設定。
type SessionConfig struct {
	// Verifier はトークン検証器。
	Verifier *Verifier
	// CookieName はアクセストークンを格納するCookie名。空の場合は DefaultCookieName。
	CookieName string
	// IsPublic は認証不要なパスかどうかを判定する。nilの場合はすべて認証必須。
	IsPublic func(path string) bool
	// Revocations は失効リスト。nilの場合は照会しない。
	Revocations RevocationList
	// Logger は検証失敗の理由を記録するロガー。
	Logger *zap.Logger
}

// SessionAuth はセッショントークンを検証するGinミドルウェアを返す。
//
// クライアントが送ってきたアイデンティティヘッダーは公開ルートを含めて常に除去する。
// 認証必須のルートでは検証済みトークンから導出した値だけをヘッダーに設定する。
func SessionAuth(cfg SessionConfig) gin.HandlerFunc {
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		StripIdentityHeaders(c.Request.Header)

		if cfg.IsPublic != nil && cfg.IsPublic(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := TokenFromRequest(c.Request, cookieName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": MessageNotAuthenticated})
			return
		}

		identity, err := cfg.Verifier.Verify(token)
		if err != nil {
			log.Debug("トークン検証に失敗", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": MessageInvalidToken})
			return
		}

		if cfg.Revocations != nil {
			revoked, err := cfg.Revocations.IsRevoked(c.Request.Context(), token)
			if err != nil {
				log.Error("失効リストの照会に失敗", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": MessageInternalError})
				return
			}
			if revoked {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": MessageInvalidToken})
				return
			}
		}

		SetIdentityHeaders(c.Request.Header, identity)
		c.Set(contextKeyIdentity, identity)
		c.Set(contextKeyUserID, identity.UserID)
		c.Next()
	}
}

// TokenFromRequest はCookie、次にAuthorizationヘッダー（Bearer）の順でトークンを取り出す。
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}
