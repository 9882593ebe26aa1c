package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll_Aggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("up", func(ctx context.Context) Status {
		return Status{Name: "up", Healthy: true}
	})
	r.Register("down", func(ctx context.Context) Status {
		return Status{Name: "down", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("healthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register("chain", func(ctx context.Context) Status {
			return Status{Name: "chain", Healthy: true}
		})

		router := gin.New()
		router.GET("/health", r.Handler())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
	})

	t.Run("degraded", func(t *testing.T) {
		r := NewRegistry()
		r.Register("database", func(ctx context.Context) Status {
			return Status{Name: "database", Healthy: false, Detail: "timeout"}
		})

		router := gin.New()
		router.GET("/health", r.Handler())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	})
}
