package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MultipartOverhead is the allowance for form boundaries, part headers and
// small fields on top of the image itself.
const MultipartOverhead = 1 << 20

// UploadLimit bounds multipart image uploads to maxImageBytes plus
// MultipartOverhead. A declared Content-Length over the bound is refused
// before the body is read; the reader is capped for chunked bodies, and the
// handler sees *http.MaxBytesError when the cap trips.
func UploadLimit(maxImageBytes int64) gin.HandlerFunc {
	limit := maxImageBytes + MultipartOverhead
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("image exceeds maximum upload size of %d bytes", maxImageBytes),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
