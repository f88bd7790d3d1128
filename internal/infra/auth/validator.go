package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// TokenValidator: общий интерфейс для HTTP middleware и gRPC интерсептора.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// BaseValidator содержит общую логику проверки RS256
type BaseValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
}

func NewBaseValidator(pubKey *rsa.PublicKey, issuer string) *BaseValidator {
	return &BaseValidator{publicKey: pubKey, issuer: issuer}
}

// VerifyToken проверяет JWT, подписанный RS256. Любая причина отказа сводится к ErrInvalidToken.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, domain.ErrUnauthorized
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &domain.CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, domain.ErrInvalidToken.WithCause(err)
	}

	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok || claims.UserID == 0 {
		return nil, domain.ErrInvalidToken.WithCause(errors.New("invalid claims"))
	}
	return claims, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// LoadKeys достаёт пару ключей из конфига. Без приватного ключа генерируется
// эфемерная пара: токены не переживут рестарт, о чём пишем в лог.
func LoadKeys(cfg infra.AuthConfig, logger *zap.Logger) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if len(cfg.PrivateKey) == 0 {
		logger.Warn("auth private key is not configured, generating ephemeral RSA key; issued tokens will not survive restart")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return key, &key.PublicKey, nil
	}

	priv, err := ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	pub := &priv.PublicKey
	if len(cfg.PublicKey) > 0 {
		if pub, err = ParseRSAPublicKey(cfg.PublicKey); err != nil {
			return nil, nil, err
		}
		if !pub.Equal(&priv.PublicKey) {
			return nil, nil, errors.New("auth public key does not match private key")
		}
	}
	return priv, pub, nil
}
