// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能。
//
// 两类令牌使用不同的签名密钥：调用方令牌携带用户身份与配额信息，
// blob 令牌是本地存储后端签名 URL 的授权凭证。
package token

import (
	"errors"
	"fmt"
	"time"
	"vault-drive-go/pkg/objectstore"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager 负责管理 JWT 的生成和验证。
type JWTManager struct {
	secretKey      []byte        // secretKey 用于签名和验证调用方 token
	blobKey        []byte        // blobKey 用于签名 blob 链接
	accessTokenDur time.Duration // accessTokenDur 定义了 access token 的有效期
}

// CustomClaims 定义了调用方 token 中的自定义数据。
// 身份由外部系统签发，这里只携带存储核心需要的字段。
type CustomClaims struct {
	UserID uint   `json:"userId"`
	Tier   string `json:"tier"`
	// QuotaBytes 为空时按 Tier 查配置。
	QuotaBytes *int64 `json:"quotaBytes,omitempty"`
	// Role 为 "ADMIN" 时可访问运维接口。
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// BlobClaims 是本地后端签名 URL 的授权内容。
type BlobClaims struct {
	Key           string                `json:"key"`
	Op            objectstore.Operation `json:"op"`
	ContentType   string                `json:"ct,omitempty"`
	ContentLength int64                 `json:"cl,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
// secret: 用于签名的密钥字符串。
// accessTokenExpireHours: access token 的过期时间（小时）。
func NewJWTManager(secret string, accessTokenExpireHours int) *JWTManager {
	return &JWTManager{
		secretKey:      []byte(secret),
		blobKey:        []byte(secret + "/blob"),
		accessTokenDur: time.Hour * time.Duration(accessTokenExpireHours),
	}
}

// GenerateToken 生成调用方 access token。
func (m *JWTManager) GenerateToken(userID uint, tier string, quotaBytes *int64) (string, error) {
	return m.GenerateTokenWithRole(userID, tier, quotaBytes, "")
}

// GenerateTokenWithRole 生成带角色的 access token。
func (m *JWTManager) GenerateTokenWithRole(userID uint, tier string, quotaBytes *int64, role string) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		UserID:     userID,
		Tier:       tier,
		QuotaBytes: quotaBytes,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	// 使用 HS256 签名方法创建新的 token 对象
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证调用方 token，成功时返回 CustomClaims。
func (m *JWTManager) VerifyToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, m.keyFunc(m.secretKey))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*CustomClaims); ok && token.Valid {
		if claims.UserID == 0 {
			return nil, errors.New("token missing user id")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// SignBlob 为本地后端生成 blob 令牌，实现 objectstore.URLSigner。
func (m *JWTManager) SignBlob(key string, op objectstore.Operation, contentType string, contentLength int64, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		return "", fmt.Errorf("token: blob expiry must be positive")
	}
	now := time.Now()
	claims := BlobClaims{
		Key:           key,
		Op:            op,
		ContentType:   contentType,
		ContentLength: contentLength,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.blobKey)
}

// VerifyBlob 验证 blob 令牌。
func (m *JWTManager) VerifyBlob(tokenString string) (*BlobClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BlobClaims{}, m.keyFunc(m.blobKey))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*BlobClaims); ok && token.Valid && claims.Key != "" {
		return claims, nil
	}
	return nil, errors.New("invalid blob token")
}

func (m *JWTManager) keyFunc(key []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}
}

var _ objectstore.URLSigner = (*JWTManager)(nil)
