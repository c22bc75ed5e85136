package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/models"
)

// DefaultTokenTTL 访问令牌默认有效期
const DefaultTokenTTL = time.Hour

// authenticatedRole 与托管后端签发的令牌保持一致，令牌可直接转发给 PostgREST
const authenticatedRole = "authenticated"

// JWTService JWT服务
type JWTService struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

// WithTTL 返回使用指定有效期的副本
func (j *JWTService) WithTTL(ttl time.Duration) *JWTService {
	c := *j
	c.ttl = ttl
	return &c
}

// GenerateAccessToken 生成访问令牌，subject 为用户ID
func (j *JWTService) GenerateAccessToken(userID, email string) (string, int64, error) {
	if userID == "" {
		return "", 0, errors.New("user id is required")
	}
	now := j.now()
	expiry := now.Add(j.ttl)

	claims := &models.TokenClaims{
		Email: email,
		Role:  authenticatedRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{authenticatedRole},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate access token: %w", err)
	}

	return tokenString, int64(j.ttl.Seconds()), nil
}

// ValidateToken 验证令牌（签名方法、签名、过期时间）
func (j *JWTService) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithTimeFunc(j.now), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return claims, nil
}

// PrincipalFromToken 从令牌中解析出调用者；原始令牌随之保留，供托管后端做行级授权
func (j *JWTService) PrincipalFromToken(tokenString string) (access.Principal, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return access.Principal{}, err
	}
	return access.Principal{
		ID:    claims.Subject,
		Email: claims.Email,
		Token: tokenString,
	}, nil
}
