package util

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the data payload of a successful reply.
type Response map[string]interface{}

// Business error codes layered on top of the HTTP status.
const (
	CodeOK           = 0
	CodeInvalidParam = 40001
	CodeAuth         = 40101
	CodeForbidden    = 40301
	CodeNotFound     = 40401
	CodeConflict     = 40901
	CodeGone         = 41001
	CodeTooMany      = 42901
	CodeServerErr    = 50001
)

// Success writes a 200 reply with the common envelope.
func Success(c *gin.Context, data Response) {
	c.JSON(http.StatusOK, gin.H{
		"code": CodeOK,
		"data": data,
	})
}

// Created writes a 201 reply with the common envelope.
func Created(c *gin.Context, data Response) {
	c.JSON(http.StatusCreated, gin.H{
		"code": CodeOK,
		"data": data,
	})
}

// NoContent writes an empty 204 reply.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error writes an error reply.
func Error(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
	})
}
