package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"caseace/models"
	"caseace/pkg/apperr"
)

const (
	accessCookie = "access_token"
	ctxUser      = "user"
)

// issueAccessToken signs a short lived HS256 token for u.
func issueAccessToken(u *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatUint(uint64(u.ID), 10),
		"role": string(u.Role),
		"exp":  time.Now().Add(cfg.AccessTokenTTL).Unix(),
	})
	return token.SignedString(jwtSecret)
}

// jwtAuthMiddleware accepts the token from the Authorization header or the
// access_token cookie and loads the user behind it.
func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := requestToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		sub, err := token.Claims.GetSubject()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			return
		}
		id, err := strconv.ParseUint(sub, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			return
		}
		// the role in the token is informational; the stored one decides
		user, err := app.accounts.Get(c.Request.Context(), uint(id))
		if err != nil || !user.Active {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set(ctxUser, user)
		c.Next()
	}
}

func requestToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if v, err := c.Cookie(accessCookie); err == nil {
		return v
	}
	return ""
}

// currentUser returns the user set by jwtAuthMiddleware.
func currentUser(c *gin.Context) *models.User {
	return c.MustGet(ctxUser).(*models.User)
}

func setAccessCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(accessCookie, token, maxAge, "/", "", cfg.CookieSecure, true)
}

func loginHandler(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	user, err := app.accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortErr(c, err)
		return
	}
	respondWithTokens(c, user, "")
}

// respondWithTokens issues an access token and, unless refresh is given, a
// new refresh token.
func respondWithTokens(c *gin.Context, user *models.User, refresh string) {
	tokenString, err := issueAccessToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	if refresh == "" {
		refresh, err = app.accounts.IssueRefreshToken(c.Request.Context(), user.ID, cfg.RefreshTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
			return
		}
	}
	setAccessCookie(c, tokenString, int(cfg.AccessTokenTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": refresh, "user": user})
}

// refreshHandler exchanges a refresh token for a new access token. The
// refresh token is rotated: the old one stops working.
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	user, next, err := app.accounts.RotateRefreshToken(c.Request.Context(), req.RefreshToken, cfg.RefreshTokenTTL)
	if err != nil {
		abortErr(c, err)
		return
	}
	respondWithTokens(c, user, next)
}

// logoutHandler clears the cookie and revokes the refresh token when one is
// sent along.
func logoutHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.RefreshToken != "" {
		err := app.accounts.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)
		if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			abortErr(c, err)
			return
		}
	}
	setAccessCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func meHandler(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}
