package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID は検証済みユーザーIDをバックエンドへ伝播するHTTPヘッダーキー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRoles は検証済みロール一覧（カンマ区切り）を伝播するHTTPヘッダーキー。
	HeaderUserRoles = "X-User-Roles"
)

// Ginコンテキストのキー。
const (
	contextKeyUserID   = "user_id"
	contextKeyIdentity = "identity"
)

// StripIdentityHeaders はアイデンティティヘッダーをすべて削除する。
// クライアントが同名ヘッダーを複数送ってきた場合も全て取り除く。
func StripIdentityHeaders(h http.Header) {
	h.Del(HeaderUserID)
	h.Del(HeaderUserRoles)
}

// SetIdentityHeaders はアイデンティティヘッダーを検証済みの値で上書きする。
// ロールが空の場合、ロールヘッダーは付与しない。
func SetIdentityHeaders(h http.Header, id *Identity) {
	StripIdentityHeaders(h)
	if id == nil || id.UserID == "" {
		return
	}
	h.Set(HeaderUserID, id.UserID)
	if len(id.Roles) > 0 {
		h.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
	}
}

// IdentityFromHeaders はgatewayが付与したヘッダーからIdentityを復元する。
// バックエンドサービスはgatewayの背後でのみ公開される前提で、この値を信頼する。
func IdentityFromHeaders(h http.Header) Identity {
	id := Identity{UserID: strings.TrimSpace(h.Get(HeaderUserID))}
	if raw := h.Get(HeaderUserRoles); raw != "" {
		id.Roles = collectRoles(strings.Split(raw, ","), "")
	}
	return id
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// SessionAuth または RequireIdentity が事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetIdentity はSessionAuth または RequireIdentity が設定したIdentityを取得する。
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
