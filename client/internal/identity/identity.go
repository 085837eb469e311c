package identity

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"chatsync/client/internal/model"
)

// CookieName 服务端读取 access token 的 cookie 名
const CookieName = "accessToken"

// ErrNoIdentity 既没有可用的 token，也没有显式配置用户
var ErrNoIdentity = errors.New("no user identity configured")

// Claims 服务端签发的 access token 载荷
type Claims struct {
	UserID     int    `json:"userId"`
	Username   string `json:"username"`
	Role       string `json:"role,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
	jwt.RegisteredClaims
}

// Parse 解析 token 载荷，不校验签名（签名由服务端校验）
func Parse(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// Resolve 确定当前用户：显式配置优先，其次从 token 中读取
func Resolve(token string, userID int, username string, logger zerolog.Logger) (model.Author, error) {
	author := model.Author{ID: userID, Name: username}
	if author.ID != 0 && author.Name != "" {
		return author, nil
	}
	if token == "" {
		return model.Author{}, ErrNoIdentity
	}

	claims, err := Parse(token)
	if err != nil {
		return model.Author{}, err
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		logger.Warn().Time("expired_at", claims.ExpiresAt.Time).Msg("[Identity] access token expired, server may reject requests")
	}

	if author.ID == 0 {
		author.ID = claims.UserID
	}
	if author.Name == "" {
		author.Name = claims.Username
	}
	if author.ID == 0 {
		return model.Author{}, fmt.Errorf("%w: token has no userId", ErrNoIdentity)
	}
	return author, nil
}

// Header 握手与 REST 请求需要携带的认证头
func Header(token string) http.Header {
	h := make(http.Header)
	if token == "" {
		return h
	}
	h.Set("Cookie", (&http.Cookie{Name: CookieName, Value: token}).String())
	return h
}
