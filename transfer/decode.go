package transfer

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Decode converts a deserialized payload into out. Payloads that crossed a
// JSON transport arrive as generic maps and float64 numbers; payloads from an
// in-process pipe keep their Go types. Both decode the same way.
func Decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Arg decodes the i-th call argument into a T.
func Arg[T any](args []any, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("missing argument %d", i)
	}
	if a, ok := args[i].(T); ok {
		return a, nil
	}
	if args[i] == nil {
		return v, nil
	}
	if err := Decode(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

// OptionalArg is Arg for trailing arguments that may be omitted.
func OptionalArg[T any](args []any, i int) (T, error) {
	if i >= len(args) {
		var zero T
		return zero, nil
	}
	return Arg[T](args, i)
}
