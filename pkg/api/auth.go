// Copyright 2024 The reprun.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reprun.io/reprun/pkg/models"
	"reprun.io/reprun/pkg/utils"
)

const contextUserKey = "current-user"

type handlers struct {
	deps   *Dependencies
	expire time.Duration
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	ExpireAt int64  `json:"expireAt"`
}

func (h *handlers) Login(c *gin.Context) {
	req := LoginRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		NotOK(c, err)
		return
	}
	ctx := c.Request.Context()
	user, err := h.deps.Store.GetUserByName(ctx, req.Username)
	if err != nil {
		Unauthorized(c, errors.New("invalid username or password"))
		return
	}
	if err := utils.ValidatePassword(req.Password, user.Password); err != nil {
		Unauthorized(c, errors.New("invalid username or password"))
		return
	}
	if user.IsActive != nil && !*user.IsActive {
		Forbidden(c, errors.New("account is disabled"))
		return
	}
	token, expireAt, err := h.deps.JWT.GenerateToken(user, user.Username, h.expire)
	if err != nil {
		NotOK(c, err)
		return
	}
	OK(c, LoginResponse{Token: token, ExpireAt: expireAt})
}

// AuthMiddleware resolves the bearer token to an account and stores it on the
// request context. WebSocket callers cannot set headers from a browser, a
// token query parameter works there too.
func (h *handlers) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			Unauthorized(c, errors.New("missing bearer token"))
			c.Abort()
			return
		}
		claims, err := h.deps.JWT.ParseToken(token)
		if err != nil {
			Unauthorized(c, errors.New("invalid token"))
			c.Abort()
			return
		}
		user, err := h.deps.Store.GetUserByName(c.Request.Context(), claims.Subject)
		if err != nil {
			Unauthorized(c, errors.New("unknown account"))
			c.Abort()
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}

func currentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(contextUserKey); ok {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

// mayAccess limits job and artifact reads to their owner, the admin account
// sees everything.
func mayAccess(user *models.User, ownerID uint) bool {
	return user != nil && (user.ID == ownerID || user.Username == models.AdminUsername)
}
