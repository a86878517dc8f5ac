package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageInternalError はクライアントに返す汎用の内部エラーメッセージ。
const MessageInternalError = "Internal server error"

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック内容はサーバー側のログにのみ出力し、クライアントには固定メッセージの500を返す。
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("パニックから回復しました",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"message": MessageInternalError,
				})
			}
		}()
		c.Next()
	}
}
