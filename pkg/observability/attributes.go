package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrOperation    = attribute.Key("settlement.operation")
	AttrErrorKind    = attribute.Key("settlement.error.kind")
	AttrAsset        = attribute.Key("settlement.asset")
	AttrPayoutReason = attribute.Key("settlement.payout.reason")

	AttrEscrowID     = attribute.Key("settlement.escrow.id")
	AttrEscrowStatus = attribute.Key("settlement.escrow.status")
	AttrIdentity     = attribute.Key("settlement.identity")
	AttrTarget       = attribute.Key("settlement.target")
)

// EscrowOperation creates attributes for an escrow operation.
func EscrowOperation(id uint64, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEscrowID.Int64(int64(id)),
		AttrEscrowStatus.String(status),
	}
}

// BudgetOperation creates attributes for a budget operation.
func BudgetOperation(identity, asset string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIdentity.String(identity),
		AttrAsset.String(asset),
	}
}

// Annotate sets attributes on the current span only. Escrow IDs and identities
// go here rather than into TrackOperation, which also labels metrics.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
