package observability

import (
	"net"
	"net/http"
	"strings"
)

// ConnMeta is request metadata recorded for a websocket connection.
type ConnMeta struct {
	DeviceID  string
	RequestID string
	IP        string
	UserAgent string
}

func ConnMetaFromRequest(r *http.Request) ConnMeta {
	return ConnMeta{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        IPFromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

func IPFromRequest(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
