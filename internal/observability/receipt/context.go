package receipt

import "context"

type writerKey struct{}

// WithWriter attaches the receipt writer for the current invocation.
func WithWriter(ctx context.Context, w Writer) context.Context {
	return context.WithValue(ctx, writerKey{}, w)
}

// From returns the invocation's receipt writer, or nil when receipts
// were not requested.
func From(ctx context.Context) Writer {
	w, _ := ctx.Value(writerKey{}).(Writer)
	return w
}
