package proxy

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/challenge"
	"github.com/0gfoundation/x402-gate/internal/gate"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/replay"
	"github.com/0gfoundation/x402-gate/internal/scheme"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	network   = "eip155:16602"
	recipient = "0x1111111111111111111111111111111111111111"
	payer     = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

type acceptAll struct{}

func (acceptAll) Verify(_ context.Context, _ payment.Requirement, env *proof.Envelope) (*scheme.Verification, error) {
	p := payment.Canonical{
		Scheme:          env.Scheme,
		Network:         env.Network,
		Payer:           env.Native().From,
		Payee:           env.Native().To,
		Amount:          big.NewInt(1),
		Asset:           payment.NativeAsset,
		AuthorizationID: env.Native().TxHash,
	}
	return &scheme.Verification{Payment: p, ClaimKey: p.ClaimKey(), ClaimTTL: time.Minute}, nil
}

func paidRouter(t *testing.T, upstreamURL, apiKey string) *gin.Engine {
	t.Helper()
	req := payment.Requirement{
		Scheme:    payment.SchemeNativeTransfer,
		Network:   network,
		Recipient: recipient,
		Asset:     payment.NativeAsset,
		Price:     big.NewInt(1),
	}
	g := gate.New(challenge.New(req), acceptAll{}, replay.NewMemory(), nil, []payment.Requirement{req}, nil, zap.NewNop())
	up, err := New(upstreamURL, apiKey, zap.NewNop())
	require.NoError(t, err)

	r := gin.New()
	up.Register(r.Group("/api", g.Middleware()))
	return r
}

func header(t *testing.T, b byte) string {
	t.Helper()
	h, err := proof.Encode(payment.SchemeNativeTransfer, network, proof.NativePayload{
		TxHash:      fmt.Sprintf("0x%064x", b),
		From:        payer,
		To:          recipient,
		Value:       "1",
		BlockNumber: 1,
	})
	require.NoError(t, err)
	return h
}

func TestUpstream_ForwardsPaidRequest(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "brewed")
	}))
	defer upstream.Close()

	r := paidRouter(t, upstream.URL, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/report?q=1", nil)
	req.Header.Set(gate.HeaderPayment, header(t, 1))
	req.Header.Set("Authorization", "Bearer client-token")
	req.Header.Set(HeaderPayer, "0xspoofed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "brewed", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(gate.HeaderPaymentResponse))

	require.NotNil(t, got)
	assert.Equal(t, "/api/v1/report", got.URL.Path)
	assert.Equal(t, "q=1", got.URL.RawQuery)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, payer, got.Header.Get(HeaderPayer))
	assert.Equal(t, network, got.Header.Get(HeaderNetwork))
	assert.Equal(t, fmt.Sprintf("0x%064x", 1), got.Header.Get(HeaderAuthorizationID))
	assert.Empty(t, got.Header.Get(gate.HeaderPayment), "proof must not reach the upstream")
}

func TestUpstream_UnpaidNeverReachesUpstream(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	w := httptest.NewRecorder()
	paidRouter(t, upstream.URL, "").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/anything", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Zero(t, hits)
}

func TestUpstream_KeepsClientAuthWithoutKey(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(gate.HeaderPayment, header(t, 2))
	req.Header.Set("Authorization", "Bearer client-token")
	w := httptest.NewRecorder()
	paidRouter(t, upstream.URL, "").ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer client-token", auth)
}

func TestUpstream_DownIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(gate.HeaderPayment, header(t, 3))
	w := httptest.NewRecorder()
	paidRouter(t, url, "").ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("localhost:9000/path", "", zap.NewNop())
	require.Error(t, err)
}
