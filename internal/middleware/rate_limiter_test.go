package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	e := echo.New()
	e.POST("/api/requests", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, RateLimiter(3))

	hit := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/requests", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	// The burst equals the rate, so the fourth request in a row is denied.
	var codes []int
	for range 4 {
		codes = append(codes, hit("192.0.2.10:5000").Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	denied := hit("192.0.2.10:5001")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code, "limits are per IP, not per connection")
	assert.Contains(t, denied.Body.String(), "Too many requests")

	assert.Equal(t, http.StatusCreated, hit("198.51.100.7:5000").Code, "other clients keep their own budget")
}
