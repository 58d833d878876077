package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Echo returns its arguments unchanged.
func Echo() *Func {
	return NewFunc("echo", "Returns the given arguments unchanged.", nil,
		func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		})
}

var delayParams = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "description": "Go duration such as 250ms or 2s"},
    "value": {"description": "Returned once the delay elapses"}
  },
  "required": ["duration"]
}`)

// Delay waits for args.duration and returns args.value, honoring cancellation.
func Delay() *Func {
	return NewFunc("delay", "Waits for a duration and returns the given value.", delayParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			raw, _ := args["duration"].(string)
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", raw, err)
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return args["value"], nil
			}
		})
}

// RegisterBuiltins adds echo and delay to r.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Echo()); err != nil {
		return err
	}
	return r.Register(Delay())
}
