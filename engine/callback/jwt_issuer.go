// Package callback signs the URLs async backends call when a long running
// request completes.
package callback

import (
	"fmt"
	"strings"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/golang-jwt/jwt/v5"
)

const (
	audience   = "relayflow-callback"
	defaultTTL = 24 * time.Hour
)

// JWTIssuer firma tokens HS256 que identifican conversación y llamada
type JWTIssuer struct {
	secretKey []byte
	baseURL   string
	issuer    string
	clock     engine.Clock
}

var _ engine.CallbackIssuer = (*JWTIssuer)(nil)

func NewJWTIssuer(cfg config.CallbackConfig, clock engine.Clock) *JWTIssuer {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "relayflow"
	}
	return &JWTIssuer{
		secretKey: []byte(cfg.Secret),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		issuer:    issuer,
		clock:     clock,
	}
}

// Claims del token de callback
type Claims struct {
	ConversationID kernel.ConversationID `json:"conversation_id"`
	CallID         kernel.CallID         `json:"call_id"`
	jwt.RegisteredClaims
}

// Token firma un token para la llamada
func (j *JWTIssuer) Token(id kernel.ConversationID, call kernel.CallID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := j.clock.Now()

	claims := Claims{
		ConversationID: id,
		CallID:         call,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   id.String(),
			Audience:  []string{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        call.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", engine.ErrInvalidCallback().WithDetail("error", err.Error())
	}
	return signed, nil
}

// CallbackURL devuelve la URL pública que el backend debe invocar
func (j *JWTIssuer) CallbackURL(id kernel.ConversationID, call kernel.CallID, ttl time.Duration) (string, error) {
	token, err := j.Token(id, call, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/callbacks/%s", j.baseURL, token), nil
}

// Verify valida el token y devuelve la conversación y la llamada
func (j *JWTIssuer) Verify(tokenString string) (kernel.ConversationID, kernel.CallID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	},
		jwt.WithAudience(audience),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.clock.Now),
	)
	if err != nil {
		return "", "", engine.ErrInvalidCallback().WithDetail("error", err.Error())
	}
	if !token.Valid {
		return "", "", engine.ErrInvalidCallback().WithDetail("error", "token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ConversationID.IsEmpty() || claims.CallID.IsEmpty() {
		return "", "", engine.ErrInvalidCallback().WithDetail("error", "invalid claims")
	}
	return claims.ConversationID, claims.CallID, nil
}

// Completed builds the trigger a verified callback delivers.
func Completed(call kernel.CallID, result any, errMsg string) engine.AsyncCallCompleted {
	return engine.AsyncCallCompleted{CallID: call, Result: result, Error: errMsg}
}
