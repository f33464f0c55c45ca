package gate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/0gfoundation/x402-gate/internal/challenge"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/replay"
)

const testMethod = "/weather.v1.Weather/Forecast"

// fakeStream captures trailers set by the interceptor.
type fakeStream struct {
	trailer metadata.MD
}

func (s *fakeStream) Method() string               { return testMethod }
func (s *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SendHeader(metadata.MD) error { return nil }

func (s *fakeStream) SetTrailer(md metadata.MD) error {
	s.trailer = metadata.Join(s.trailer, md)
	return nil
}

func callCtx(kv ...string) (context.Context, *fakeStream) {
	st := &fakeStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), st)
	if len(kv) > 0 {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(kv...))
	}
	return ctx, st
}

func invoke(ctx context.Context, g *Gate, method string, methods ...string) (*payment.Canonical, error) {
	var seen *payment.Canonical
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = PaymentFromContext(ctx)
		return "ok", nil
	}
	_, err := g.UnaryServerInterceptor(methods...)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	return seen, err
}

func statusBody(t *testing.T, err error, want codes.Code) challenge.Body {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok || st.Code() != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
	var b challenge.Body
	if err := json.Unmarshal([]byte(st.Message()), &b); err != nil {
		t.Fatalf("status message is not a challenge body: %v", err)
	}
	return b
}

func TestInterceptor_NoMetadata(t *testing.T) {
	ctx, _ := callCtx()
	_, err := invoke(ctx, newTestGate(&fakeVerifier{}, replay.NewMemory(), &fakeQueue{}), testMethod)
	b := statusBody(t, err, codes.ResourceExhausted)
	if len(b.Accepts) != 1 || b.Scheme != payment.SchemeNativeTransfer {
		t.Errorf("challenge: %+v", b)
	}
}

func TestInterceptor_Accepts(t *testing.T) {
	g := newTestGate(&fakeVerifier{}, replay.NewMemory(), &fakeQueue{})
	ctx, st := callCtx(MetadataPayment, nativeHeader(t, 11))

	p, err := invoke(ctx, g, testMethod)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if p == nil || p.Payer != testPayer {
		t.Fatalf("handler did not see the payment: %+v", p)
	}
	vals := st.trailer.Get(MetadataPaymentResponse)
	if len(vals) != 1 {
		t.Fatalf("trailer: %v", st.trailer)
	}
	rcpt, err := DecodeReceipt(vals[0])
	if err != nil || !rcpt.Success {
		t.Errorf("receipt: %+v, %v", rcpt, err)
	}

	// Same proof again.
	ctx, _ = callCtx(MetadataPayment, nativeHeader(t, 11))
	_, err = invoke(ctx, g, testMethod)
	if b := statusBody(t, err, codes.ResourceExhausted); b.Reason != payment.ReasonNonceReused {
		t.Errorf("reason: got %s", b.Reason)
	}
}

func TestInterceptor_FallbackKey(t *testing.T) {
	ctx, _ := callCtx(MetadataPaymentFallback, nativeHeader(t, 12))
	if _, err := invoke(ctx, newTestGate(&fakeVerifier{}, replay.NewMemory(), &fakeQueue{}), testMethod); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestInterceptor_Unavailable(t *testing.T) {
	v := &fakeVerifier{err: payment.Wrap(payment.ReasonChainUnavailable, errors.New("timeout"), "")}
	ctx, _ := callCtx(MetadataPayment, nativeHeader(t, 13))
	_, err := invoke(ctx, newTestGate(v, replay.NewMemory(), &fakeQueue{}), testMethod)
	if b := statusBody(t, err, codes.Unavailable); b.Reason != payment.ReasonChainUnavailable {
		t.Errorf("reason: got %s", b.Reason)
	}
}

func TestInterceptor_UngatedMethodPasses(t *testing.T) {
	v := &fakeVerifier{}
	ctx, _ := callCtx()
	p, err := invoke(ctx, newTestGate(v, replay.NewMemory(), &fakeQueue{}), "/grpc.health.v1.Health/Check", testMethod)
	if err != nil {
		t.Fatalf("ungated call failed: %v", err)
	}
	if p != nil || v.calls.Load() != 0 {
		t.Error("ungated call must not be verified")
	}
}
