package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrInvalidCode = errors.New("invalid login code")

// Claims 只携带临时用户名，用户没有持久凭证。
type Claims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

func GenerateAccessToken(username, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Username != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GenerateLoginCode 生成 16 位十六进制的一次性登录码。
func GenerateLoginCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func HashCode(code string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

func SaveLoginCode(db *gorm.DB, username, code string, now, expiresAt time.Time) error {
	hash, err := HashCode(code)
	if err != nil {
		return err
	}
	rec := models.LoginCode{Username: username, CodeHash: hash, ExpiresAt: expiresAt, CreatedAt: now}
	return db.Create(&rec).Error
}

// ConsumeLoginCode 校验未使用且未过期的登录码，成功后标记为已使用。
func ConsumeLoginCode(db *gorm.DB, username, code string, now time.Time) error {
	var recs []models.LoginCode
	err := db.Where("username = ? AND used_at IS NULL AND expires_at > ?", username, now).
		Order("id desc").Find(&recs).Error
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !VerifyCode(rec.CodeHash, code) {
			continue
		}
		res := db.Model(&models.LoginCode{}).Where("id = ? AND used_at IS NULL", rec.ID).Update("used_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidCode
		}
		return nil
	}
	return ErrInvalidCode
}

// AuthMiddleware 校验 Bearer Token，并把用户名写入上下文。
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := ParseAccessToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

func GetUsername(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		if name, ok2 := v.(string); ok2 {
			return name
		}
	}
	return ""
}
