package gate

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// gRPC metadata keys. Metadata keys are lower case on the wire.
const (
	MetadataPayment         = "x-payment"
	MetadataPaymentFallback = "payment-signature"
	MetadataPaymentResponse = "x-payment-response"
)

type paymentCtxKey struct{}

// UnaryServerInterceptor enforces payment on gRPC calls. When methods is
// non-empty only those full method names are gated.
func (g *Gate) UnaryServerInterceptor(methods ...string) grpc.UnaryServerInterceptor {
	gated := make(map[string]bool, len(methods))
	for _, m := range methods {
		gated[m] = true
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(gated) > 0 && !gated[info.FullMethod] {
			return handler(ctx, req)
		}

		header := paymentMetadata(ctx)
		if header == "" {
			body := g.issuer.Body(nil)
			body.Error = MetadataPayment + " metadata is required"
			return nil, challengeStatus(codes.ResourceExhausted, body)
		}

		p, err := g.admit(ctx, header)
		if err != nil {
			reason := payment.ReasonOf(err)
			code := codes.ResourceExhausted
			if reason.Retryable() {
				code = codes.Unavailable
				g.log.Warn("payment check unavailable",
					zap.String("method", info.FullMethod),
					zap.String("reason", string(reason)),
					zap.Error(err),
				)
			} else {
				g.log.Info("payment rejected",
					zap.String("method", info.FullMethod),
					zap.String("reason", string(reason)),
				)
			}
			return nil, challengeStatus(code, g.issuer.Body(err))
		}

		resp, err := handler(context.WithValue(ctx, paymentCtxKey{}, p), req)
		if err != nil {
			return nil, err
		}
		if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataPaymentResponse, encodeReceipt(p))); err != nil {
			g.log.Debug("set payment trailer", zap.Error(err))
		}
		return resp, nil
	}
}

// PaymentFromContext returns the payment accepted for this call.
func PaymentFromContext(ctx context.Context) (*payment.Canonical, bool) {
	p, ok := ctx.Value(paymentCtxKey{}).(*payment.Canonical)
	return p, ok
}

func paymentMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, k := range []string{MetadataPayment, MetadataPaymentFallback} {
		if v := md.Get(k); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

// challengeStatus carries the JSON challenge body as the status message.
func challengeStatus(code codes.Code, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return status.Error(codes.Internal, "encode payment challenge")
	}
	return status.Error(code, string(raw))
}
