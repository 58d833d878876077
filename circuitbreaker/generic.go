package circuitbreaker

import "context"

// CallTyped is a type-safe wrapper around Breaker.CallWithResult.
//
//	n, err := circuitbreaker.CallTyped(ctx, b, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
func CallTyped[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}
