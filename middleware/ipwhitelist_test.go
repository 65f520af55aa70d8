package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func whitelistStatus(entries []string, clientIP string) int {
	r := gin.New()
	r.Use(IPWhitelist(entries))
	r.GET("/api/admin/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/admin/metrics", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	if clientIP != "" {
		req.Header.Set("X-Real-IP", clientIP)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPWhitelist(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		ip      string
		want    int
	}{
		{"empty list allows all", nil, "", http.StatusOK},
		{"exact match", []string{"192.168.1.1"}, "192.168.1.1", http.StatusOK},
		{"no match", []string{"10.0.0.1"}, "1.2.3.4", http.StatusForbidden},
		{"second of several", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.2", http.StatusOK},
		{"outside several", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.3", http.StatusForbidden},
		{"inside cidr", []string{"10.0.0.0/8"}, "10.20.30.40", http.StatusOK},
		{"outside cidr", []string{"10.0.0.0/8"}, "11.0.0.1", http.StatusForbidden},
		{"ipv6 loopback", []string{"::1"}, "::1", http.StatusOK},
		{"garbage entries skipped", []string{"not-an-ip", "172.16.0.0/12"}, "172.16.5.5", http.StatusOK},
		{"only garbage blocks", []string{"not-an-ip"}, "1.2.3.4", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, whitelistStatus(tc.entries, tc.ip))
		})
	}
}
