// Package validation rejects malformed requests before they reach the engine.
package validation

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// MaxBodyBytes caps request bodies. Karma logs for old accounts are large.
	MaxBodyBytes = 4 << 20

	MaxUserIDLength = 128
	MaxBatchLogs    = 500

	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

// FieldError names the input that failed and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// BodyLimit caps every request body at n bytes. Reads past the cap fail
// with *http.MaxBytesError.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// UserID checks that id is usable as a URL path segment.
func UserID(id string) *FieldError {
	if len(id) > MaxUserIDLength || !userIDPattern.MatchString(id) {
		return &FieldError{Field: "user_id", Message: "must be 1-128 characters of letters, digits, or _.:@-"}
	}
	return nil
}

// UserIDParam aborts with invalid_user_id when the :user_id segment is bad.
func UserIDParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if fe := UserID(c.Param("user_id")); fe != nil {
			Abort(c, "invalid_user_id", fe)
			return
		}
		c.Next()
	}
}

// HistoryLimit parses the limit query value. Empty means the default.
func HistoryLimit(raw string) (int, *FieldError) {
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxHistoryLimit {
		return 0, &FieldError{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(MaxHistoryLimit)}
	}
	return n, nil
}

// BatchSize rejects batches larger than MaxBatchLogs.
func BatchSize(n int) *FieldError {
	if n > MaxBatchLogs {
		return &FieldError{Field: "logs", Message: "at most " + strconv.Itoa(MaxBatchLogs) + " logs per batch, got " + strconv.Itoa(n)}
	}
	return nil
}

// Abort writes the standard 400 error envelope for fe.
func Abort(c *gin.Context, code string, fe *FieldError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   code,
		"message": fe.Error(),
		"field":   fe.Field,
	})
}
