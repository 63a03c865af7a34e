// Package auth は認証プロバイダとの境界を担当します
// このサービスが認証から受け取るのは安定したユーザー識別情報のみです
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// Identity は認証済みユーザーの安定した識別情報です
type Identity struct {
	ID          string `json:"id"`          // ユーザーの一意な識別子
	DisplayName string `json:"displayName"` // 表示名
	AvatarRef   string `json:"avatarRef"`   // アバター画像への参照
}

var (
	ErrNoToken      = errors.New("auth: no token provided")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Manager はJWTトークンの発行と検証を行います
type Manager struct {
	secret []byte
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// IssueToken は識別情報を持つHS256署名のトークンを発行します
func (m *Manager) IssueToken(id Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":    id.ID,
		"name":   id.DisplayName,
		"avatar": id.AvatarRef,
		"exp":    time.Now().Add(ttl).Unix(),
		"iat":    time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ParseToken はトークンを検証して識別情報を取り出します
func (m *Manager) ParseToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	avatar, _ := claims["avatar"].(string)
	return Identity{ID: sub, DisplayName: name, AvatarRef: avatar}, nil
}

type ctxKey struct{}

// Middleware はBearerトークンを検証し、識別情報をリクエストコンテキストに載せます
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := m.ParseToken(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity は識別情報をコンテキストに載せます
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext はコンテキストから識別情報を取り出します
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// TokenFromRequest はAuthorizationヘッダーまたはクエリパラメータからトークンを取り出します
// WebSocket接続ではヘッダーを付けられないクライアントのためにクエリを許可します
func TokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
