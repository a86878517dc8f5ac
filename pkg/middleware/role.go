package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MessageAccessDenied はロール不足の場合にクライアントへ返すメッセージ。
const MessageAccessDenied = "Access denied"

// RequireIdentity はアイデンティティヘッダーにユーザーIDがあることを要求するGinミドルウェアを返す。
// gatewayの背後にあるバックエンドサービスで使用する。
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFromHeaders(c.Request.Header)
		if id.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": MessageNotAuthenticated})
			return
		}
		c.Set(contextKeyUserID, id.UserID)
		c.Set(contextKeyIdentity, &id)
		c.Next()
	}
}

// RequireRole は派生アイデンティティが指定ロールのいずれかを含むことを要求する
// Ginミドルウェアを返す。任意のルートの前段に合成して使う。
// 前段のミドルウェアがコンテキストに設定したIdentityを優先し、無ければヘッダーから復元する。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			fromHeaders := IdentityFromHeaders(c.Request.Header)
			id = &fromHeaders
		}
		if id.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": MessageNotAuthenticated})
			return
		}
		if !id.HasAnyRole(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": MessageAccessDenied})
			return
		}
		c.Next()
	}
}
