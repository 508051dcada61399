package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoice_backend/utils"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		_, hasUser := utils.GetUserIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"cid": cid, "user": hasUser})
	})
	return r
}

func TestCorrelationMiddlewareKeepsIncomingId(t *testing.T) {
	r := newRouter(CorrelationMiddleware())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(CorrelationHeader); got != "abc-123" {
		t.Fatalf("expected echoed id, got %q", got)
	}
}

func TestCorrelationMiddlewareMintsId(t *testing.T) {
	r := newRouter(CorrelationMiddleware())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if got := w.Header().Get(CorrelationHeader); len(got) != 36 {
		t.Fatalf("expected a uuid, got %q", got)
	}
}

func TestSessionMiddlewareWithoutTokenRunsAsSystem(t *testing.T) {
	r := newRouter(SessionMiddleware())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != `{"cid":"","user":false}` {
		t.Fatalf("unexpected body %s", body)
	}
}
