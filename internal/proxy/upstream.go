// Package proxy forwards paid requests to the upstream service that owns the
// protected resource.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/gate"
)

// Headers the upstream can use to attribute a request to its payment.
const (
	HeaderPayer           = "X-Payment-Payer"
	HeaderAuthorizationID = "X-Payment-Authorization-Id"
	HeaderNetwork         = "X-Payment-Network"
)

// Upstream is a reverse proxy mounted behind the gate middleware.
type Upstream struct {
	rp *httputil.ReverseProxy
}

// New builds a proxy to baseURL. apiKey, when set, is sent as a bearer token
// in place of whatever the client sent.
func New(baseURL, apiKey string, log *zap.Logger) (*Upstream, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q needs a scheme and host", baseURL)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	orig := rp.Director
	rp.Director = func(req *http.Request) {
		orig(req)
		req.Host = target.Host
		// The proof is consumed here; the upstream only sees who paid.
		req.Header.Del(gate.HeaderPayment)
		req.Header.Del(gate.HeaderPaymentFallback)
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return &Upstream{rp: rp}, nil
}

// Register mounts a catch-all route. The group must already carry the gate
// middleware.
func (u *Upstream) Register(rg *gin.RouterGroup) {
	rg.Any("/*path", u.forward)
}

func (u *Upstream) forward(c *gin.Context) {
	for _, h := range []string{HeaderPayer, HeaderAuthorizationID, HeaderNetwork} {
		c.Request.Header.Del(h)
	}
	if p, ok := gate.PaymentFrom(c); ok {
		c.Request.Header.Set(HeaderPayer, p.Payer)
		c.Request.Header.Set(HeaderAuthorizationID, p.AuthorizationID)
		c.Request.Header.Set(HeaderNetwork, p.Network)
	}
	u.rp.ServeHTTP(safeWriter{c.Writer}, c.Request)
}

// safeWriter hides gin's CloseNotify, which panics in the reverse proxy when
// the underlying writer is an *httptest.ResponseRecorder.
//
//nolint:staticcheck
type safeWriter struct{ gin.ResponseWriter }

//nolint:staticcheck
func (s safeWriter) CloseNotify() <-chan bool { return make(chan bool, 1) }
