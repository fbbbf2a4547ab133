package eventing

import "context"

type contextKey string

const (
	contextKeyEnvelope contextKey = "eventing.envelope"
	contextKeyTenant   contextKey = "eventing.tenant_id"
	contextKeyCorr     contextKey = "eventing.correlation_id"
	contextKeyEventID  contextKey = "eventing.event_id"
)

// WithEnvelope attaches the in-flight envelope to the context so
// consumer-side wrappers can read the event identity.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns the envelope set by the dispatcher.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(contextKeyEnvelope).(Envelope)
	return env, ok
}

// WithTenantID stamps the tenant used for envelopes published under
// this context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenant, tenantID)
}

// WithCorrelationID stamps a correlation id for published envelopes.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithEventID pins the event id of the next published envelope.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext collects publish metadata from the context, falling
// back to defaultTenantID when no tenant was stamped.
func MetaFromContext(ctx context.Context, defaultTenantID string) Meta {
	meta := Meta{
		EventID:       stringFromContext(ctx, contextKeyEventID),
		CorrelationID: stringFromContext(ctx, contextKeyCorr),
		TenantID:      stringFromContext(ctx, contextKeyTenant),
	}
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	return meta
}

func stringFromContext(ctx context.Context, key contextKey) string {
	value, _ := ctx.Value(key).(string)
	return value
}
