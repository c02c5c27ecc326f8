package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"
)

const maxNameBytes = 255

// canRead 所有者或公开资源可读。
func canRead(caller model.Caller, r model.Resource) error {
	if r.Owner() == caller.UserID || r.Visibility() == model.VisibilityPublic {
		return nil
	}
	return fmt.Errorf("%w: %s %d", apperr.ErrAccessDenied, r.ResourceKind(), r.ResourceID())
}

// canWrite 只有所有者可写。
func canWrite(caller model.Caller, r model.Resource) error {
	if r.Owner() == caller.UserID {
		return nil
	}
	return fmt.Errorf("%w: %s %d", apperr.ErrAccessDenied, r.ResourceKind(), r.ResourceID())
}

// validateName 校验并返回去掉首尾空白的名称。
func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", apperr.ErrValidation)
	case len(name) > maxNameBytes:
		return "", fmt.Errorf("%w: name exceeds %d bytes", apperr.ErrValidation, maxNameBytes)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: name %q is reserved", apperr.ErrValidation, name)
	case model.SafeName(name) == "":
		return "", fmt.Errorf("%w: name %q has no usable characters", apperr.ErrValidation, name)
	}
	return name, nil
}

// extensionOf 返回小写扩展名，不含点号。
func extensionOf(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if len(ext) > 32 {
		return ""
	}
	return strings.ToLower(ext)
}
