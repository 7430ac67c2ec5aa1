package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// TokenValidator — проверка токена админского периметра.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

// HMACValidator проверяет JWT, подписанные общим секретом (HS256).
// Админский периметр внутренний, PKI здесь избыточна: секрет раздается
// через конфиг, как и остальные credentials шлюза.
type HMACValidator struct {
	secret []byte
}

func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret)}
}

// VerifyToken реализует интерфейс TokenValidator.
func (v *HMACValidator) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	if claims.Actor == "" {
		return nil, fmt.Errorf("token without actor")
	}

	return claims, nil
}

// IssueToken выписывает токен оператору. Используется сервисным CLI
// и тестами; отдельного логина с паролями у шлюза нет.
func (v *HMACValidator) IssueToken(actor string, scopes map[string]bool, ttl time.Duration) (*domain.TokenResponse, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := &domain.OperatorClaims{
		Actor:  actor,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fraudgate",
			Subject:   actor,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
