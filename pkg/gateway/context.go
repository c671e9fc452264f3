package gateway

import "context"

type ctxKey string

const (
	clientKey  ctxKey = "client"
	subjectKey ctxKey = "subject"
)

func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// clientFromContext returns the live connection a request arrived on, or nil
// for HTTP requests.
func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	client, _ := ctx.Value(clientKey).(*Client)
	return client
}

func withSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectKey, subject)
}

// subjectFromContext returns the verified caller identity, empty when the
// gateway runs without token verification.
func subjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(subjectKey).(string); ok {
		return value
	}
	return ""
}
