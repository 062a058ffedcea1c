package middleware

import (
	"elearning/pkg/errors"

	"github.com/gin-gonic/gin"
)

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Ответ уже записан хендлером
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last()
		c.JSON(errors.HTTPStatusFromError(err.Err), gin.H{
			"error": err.Error(),
		})
	}
}
