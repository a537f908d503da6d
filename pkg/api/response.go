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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"reprun.io/reprun/pkg/imagetags"
	"reprun.io/reprun/pkg/models"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Message: "ok", Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Message: "ok", Data: data})
}

func Error(c *gin.Context, code int, err error) {
	c.Errors = append(c.Errors, &gin.Error{Err: err, Type: gin.ErrorTypeAny})
	c.JSON(code, Response{Message: err.Error()})
}

func BadRequest(c *gin.Context, err error) {
	Error(c, http.StatusBadRequest, err)
}

func Unauthorized(c *gin.Context, err error) {
	Error(c, http.StatusUnauthorized, err)
}

func Forbidden(c *gin.Context, err error) {
	Error(c, http.StatusForbidden, err)
}

// NotOK maps an error onto the matching status code.
func NotOK(c *gin.Context, err error) {
	verrs := validator.ValidationErrors{}
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, e.Error())
		}
		BadRequest(c, errors.New(strings.Join(msgs, ";")))
		return
	}
	validation := &imagetags.ValidationError{}
	if errors.As(err, &validation) {
		BadRequest(c, err)
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		Error(c, http.StatusNotFound, errors.New("the object is not found"))
		return
	}
	me := &mysql.MySQLError{}
	if errors.As(err, &me) {
		BadRequest(c, models.FormatMysqlError(me))
		return
	}
	BadRequest(c, err)
}
