package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

const paymentKey = "payment"

// Middleware returns a Gin handler that requires payment before c.Next().
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(HeaderPayment)
		if header == "" {
			header = c.GetHeader(HeaderPaymentFallback)
		}
		if header == "" {
			body := g.issuer.Body(nil)
			body.Error = HeaderPayment + " header is required"
			c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
			return
		}

		p, err := g.admit(c.Request.Context(), header)
		if err != nil {
			reason := payment.ReasonOf(err)
			if reason.Retryable() {
				g.log.Warn("payment check unavailable",
					zap.String("path", c.FullPath()),
					zap.String("reason", string(reason)),
					zap.Error(err),
				)
				c.Header("Retry-After", retryAfterSeconds)
			} else {
				g.log.Info("payment rejected",
					zap.String("path", c.FullPath()),
					zap.String("reason", string(reason)),
					zap.Error(err),
				)
			}
			c.AbortWithStatusJSON(reason.HTTPStatus(), g.issuer.Body(err))
			return
		}

		c.Set(paymentKey, p)
		c.Header(HeaderPaymentResponse, encodeReceipt(p))
		c.Next()
	}
}

// PaymentFrom returns the payment accepted for this request.
func PaymentFrom(c *gin.Context) (*payment.Canonical, bool) {
	v, ok := c.Get(paymentKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*payment.Canonical)
	return p, ok
}
