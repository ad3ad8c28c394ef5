package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"` // machine-readable error code
	Data    interface{} `json:"data,omitempty"`
}

// Error codes returned to callers
const (
	CodeBadRequest       = "bad_request"
	CodeMalformed        = "malformed_payload"
	CodeSignatureInvalid = "signature_invalid"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInternal         = "internal_error"
)

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(code, message string) Response {
	return Response{
		Success: false,
		Message: message,
		Code:    code,
	}
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, code, message string) {
	JSON(c, statusCode, Error(code, message))
}

// AbortJSON sends an error JSON response and stops the handler chain
func AbortJSON(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, Error(code, message))
}
