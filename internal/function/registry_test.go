package function

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/quasar/internal/domain"
)

func TestResolveUnknownIsFatal(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, domain.ErrFatal) {
		t.Fatalf("Resolve error = %v, want it to wrap domain.ErrFatal", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, Inputs, []domain.ValueID) (Outputs, error) { return Outputs{}, nil })

	if err := r.Register("", noop); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("expected error for nil function")
	}
	if err := r.Register("x", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("x", noop); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Register error = %v, want ErrDuplicate", err)
	}
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	ids := r.IDs()
	want := []string{"copy", "fail", "product", "sum"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}

	in := Inputs{Target: "T", Values: map[domain.ValueID][]byte{"a": []byte("2"), "b": []byte("3.5")}}
	tests := []struct {
		fn   string
		want float64
	}{
		{"sum", 5.5},
		{"product", 7},
	}
	for _, tt := range tests {
		fn, err := r.Resolve(tt.fn)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.fn, err)
		}
		out, err := fn.Execute(context.Background(), in, []domain.ValueID{"out"})
		if err != nil {
			t.Fatalf("%s: %v", tt.fn, err)
		}
		got, err := ParseNumber(out["out"])
		if err != nil || got != tt.want {
			t.Fatalf("%s = %v (%v), want %v", tt.fn, got, err, tt.want)
		}
	}

	cp, _ := r.Resolve("copy")
	out, err := cp.Execute(context.Background(), Inputs{Values: map[domain.ValueID][]byte{"x": []byte("v")}}, []domain.ValueID{"y", "z"})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if string(out["y"]) != "v" || string(out["z"]) != "v" {
		t.Fatalf("copy outputs = %v", out)
	}

	fail, _ := r.Resolve("fail")
	if _, err := fail.Execute(context.Background(), Inputs{Target: "T"}, nil); !errors.Is(err, ErrBuiltinFailed) {
		t.Fatalf("fail error = %v", err)
	}
}

func TestSumRejectsNonNumeric(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	sum, _ := r.Resolve("sum")
	_, err := sum.Execute(context.Background(), Inputs{Values: map[domain.ValueID][]byte{"a": []byte("abc")}}, []domain.ValueID{"out"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}
