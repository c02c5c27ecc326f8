// Package apperr 定义了存储核心对外暴露的错误分类。
// 所有业务错误都通过 fmt.Errorf("%w: ...", ErrX) 包装，调用方使用 errors.Is 判断。
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation 调用方输入错误（名称、大小、类型），不重试。
	ErrValidation = errors.New("validation error")
	// ErrNotFound 文件夹、文件或上传会话不存在。
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied 归属或可见性校验失败。
	ErrAccessDenied = errors.New("access denied")
	// ErrQuotaExceeded 超出存储配额。
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrDepthExceeded 文件夹层级超过上限。
	ErrDepthExceeded = errors.New("folder depth exceeded")
	// ErrConflict 同级重名、重复提交、状态冲突等。
	ErrConflict = errors.New("conflict")
	// ErrCycle 移动文件夹会产生环。
	ErrCycle = wrap(ErrConflict, "folder cycle")
	// ErrStorageUnavailable 存储后端暂时不可用，调用方可重试。
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrPermissionDenied 存储后端凭证或配置错误，不可重试。
	ErrPermissionDenied = errors.New("storage permission denied")
	// ErrChecksumMismatch 完成上传时完整性校验失败。
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSessionExpired 上传会话已过期。
	ErrSessionExpired = errors.New("upload session expired")
)

type wrapped struct {
	parent error
	msg    string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

func wrap(parent error, msg string) error {
	return &wrapped{parent: parent, msg: msg}
}

// HTTPStatus 将错误分类映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrDepthExceeded), errors.Is(err, ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable code for the error class.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAccessDenied):
		return "ACCESS_DENIED"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrDepthExceeded):
		return "DEPTH_EXCEEDED"
	case errors.Is(err, ErrCycle):
		return "CYCLE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrPermissionDenied):
		return "STORAGE_PERMISSION_DENIED"
	case errors.Is(err, ErrChecksumMismatch):
		return "CHECKSUM_MISMATCH"
	case errors.Is(err, ErrSessionExpired):
		return "SESSION_EXPIRED"
	default:
		return "INTERNAL"
	}
}
