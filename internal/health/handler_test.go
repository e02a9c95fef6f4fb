package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeWritability struct{ err error }

func (f fakeWritability) CheckWritable(ctx context.Context) error { return f.err }

func TestLiveness_AlwaysOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{err: errors.New("down")}, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/live", nil)

	h.Liveness(c)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness_HealthyDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{}, fakeWritability{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	h.Readiness(c)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness_RedisDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{err: errors.New("down")}, fakeWritability{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	h.Readiness(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadiness_StorageDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{}, fakeWritability{err: errors.New("disk full")})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	h.Readiness(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadiness_NilStorageSkipped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{}, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	h.Readiness(c)
	assert.Equal(t, http.StatusOK, w.Code)
}
