package function

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oriys/quasar/internal/domain"
)

// ErrBuiltinFailed is returned by the "fail" builtin.
var ErrBuiltinFailed = errors.New("builtin failure")

// RegisterBuiltins adds the small demonstration library used by the CLI
// and tests. Values are decimal numbers encoded as text.
//
//	sum      adds every input, writes the total to each desired output
//	product  multiplies every input
//	copy     copies the first input to each desired output
//	fail     always returns an error
func RegisterBuiltins(r *Registry) {
	r.MustRegister("sum", Func(func(_ context.Context, in Inputs, desired []domain.ValueID) (Outputs, error) {
		return fold(in, desired, 0, func(acc, v float64) float64 { return acc + v })
	}))
	r.MustRegister("product", Func(func(_ context.Context, in Inputs, desired []domain.ValueID) (Outputs, error) {
		return fold(in, desired, 1, func(acc, v float64) float64 { return acc * v })
	}))
	r.MustRegister("copy", Func(func(_ context.Context, in Inputs, desired []domain.ValueID) (Outputs, error) {
		var src []byte
		found := false
		for _, v := range in.Values {
			src, found = v, true
			break
		}
		if !found {
			return nil, errors.New("copy: no input")
		}
		out := make(Outputs, len(desired))
		for _, id := range desired {
			out[id] = append([]byte(nil), src...)
		}
		return out, nil
	}))
	r.MustRegister("fail", Func(func(_ context.Context, in Inputs, _ []domain.ValueID) (Outputs, error) {
		return nil, fmt.Errorf("%w for target %s", ErrBuiltinFailed, in.Target)
	}))
}

func fold(in Inputs, desired []domain.ValueID, seed float64, op func(acc, v float64) float64) (Outputs, error) {
	acc := seed
	for id, raw := range in.Values {
		v, err := ParseNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", id, err)
		}
		acc = op(acc, v)
	}
	out := make(Outputs, len(desired))
	for _, id := range desired {
		out[id] = FormatNumber(acc)
	}
	return out, nil
}

// ParseNumber decodes a builtin value.
func ParseNumber(raw []byte) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}

// FormatNumber encodes a builtin value.
func FormatNumber(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'g', -1, 64))
}
