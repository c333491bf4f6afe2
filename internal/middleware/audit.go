package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ContextRequestID = "request_id"

// Recorder is the slice of the audit logger the middleware needs.
type Recorder interface {
	Log(eventType string, data map[string]any, metadata map[string]any) string
}

// bodyLogWriter wraps the ResponseWriter to capture the response body.
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// AuditMiddleware records each request on the tamper-evident audit trail.
// Intended for the admin surface; secret values in bodies are redacted by
// the audit logger before sealing.
func AuditMiddleware(rec Recorder, eventType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()
		c.Set(ContextRequestID, reqID)
		c.Header("X-Request-ID", reqID)

		var reqBodyBytes []byte
		if c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		data := map[string]any{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if p, ok := c.Get(ContextPrincipal); ok {
			data["principal"] = p
		}
		if body := jsonBody(reqBodyBytes); body != nil {
			data["request"] = body
		}
		if body := jsonBody(blw.body.Bytes()); body != nil {
			data["response"] = body
		}

		rec.Log(eventType, data, map[string]any{
			"source":     "http",
			"request_id": reqID,
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		})
	}
}

// jsonBody parses a JSON object body so nested secret keys stay visible
// to the redaction pass. Non-object bodies are dropped.
func jsonBody(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
