// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/middleware"
	"vault-drive-go/internal/model"
	"vault-drive-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// respondError 将业务错误映射为状态码与错误码。5xx 记 error 日志，其余只记 warn。
func respondError(c *gin.Context, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error(op, err)
	} else {
		log.Warnw(op, "status", status, "error", err.Error())
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperr.Code(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.Code(apperr.ErrValidation)})
}

// callerOf 取出调用方；缺失说明路由没有挂 AuthMiddleware。
func callerOf(c *gin.Context) (model.Caller, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未认证", "code": "UNAUTHORIZED"})
	}
	return caller, ok
}

// idParam 解析路径中的正整数 ID。
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, fmt.Sprintf("无效的 %s", name))
		return 0, false
	}
	return uint(id), true
}

// boolQuery 解析可选的布尔查询参数，缺省为 false。
func boolQuery(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
	return err == nil && v
}
