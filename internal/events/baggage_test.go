package events

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
)

func baggageMember(key, value string) (baggage.Member, error) {
	return baggage.NewMember(key, value)
}

func contextWithBaggage(ctx context.Context, m baggage.Member) context.Context {
	b, _ := baggage.New(m)
	return baggage.ContextWithBaggage(ctx, b)
}
