package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestGinMiddleware_SkipsHealthAndMetrics(t *testing.T) {
	recorder := useRecorder(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(GinMiddleware("relayq-test"))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/health", ok)
	router.GET("/metrics", ok)
	router.GET("/api/v1/messages/:id", ok)

	for _, path := range []string{"/health", "/metrics", "/api/v1/messages/m-1"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/messages/:id", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}
