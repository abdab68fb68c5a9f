package vm

import (
	"testing"
)

func TestFramePushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(IntValue(10))
		frame.Push(LongValue(20))
		frame.Push(NullValue())

		if v := frame.Pop(); !v.IsNull() {
			t.Errorf("first Pop: got %v, want null", v)
		}
		if v := frame.Pop(); v.Type != TypeLong || v.Long != 20 {
			t.Errorf("second Pop: got %v, want long 20", v)
		}
		if v := frame.Pop(); v.Int != 10 {
			t.Errorf("third Pop: got %d, want 10", v.Int)
		}
	})

	t.Run("peek leaves the value", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)
		frame.Push(IntValue(42))
		if v := frame.Peek(); v.Int != 42 || frame.SP != 1 {
			t.Errorf("Peek: got %d with SP=%d", v.Int, frame.SP)
		}
	})

	t.Run("overflow panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		frame := NewFrame(0, 1, nil, nil)
		frame.Push(IntValue(1))
		frame.Push(IntValue(2))
	})
}

func TestFrameLocalVars(t *testing.T) {
	frame := NewFrame(4, 10, nil, nil)

	frame.SetLocal(0, IntValue(100))
	frame.SetLocal(3, IntValue(300))
	frame.SetLocal(0, IntValue(99))
	frame.Push(IntValue(7))

	if v := frame.GetLocal(0); v.Int != 99 {
		t.Errorf("GetLocal(0) after overwrite: got %d, want 99", v.Int)
	}
	if v := frame.GetLocal(3); v.Int != 300 {
		t.Errorf("GetLocal(3): got %d, want 300", v.Int)
	}
	if v := frame.Pop(); v.Int != 7 {
		t.Errorf("Pop after SetLocal: got %d, want 7", v.Int)
	}
}

func TestValues(t *testing.T) {
	obj := newObject("demo/Point")
	obj.Fields["x"] = IntValue(10)

	tests := []struct {
		name string
		v    Value
		str  string
		null bool
	}{
		{"int", IntValue(-3), "-3", false},
		{"long", LongValue(1 << 40), "1099511627776", false},
		{"null", NullValue(), "null", true},
		{"nil reference is null", RefValue(nil), "null", true},
		{"string", RefValue("hi"), "hi", false},
		{"object", RefValue(obj), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.IsNull() != tt.null {
				t.Errorf("IsNull: got %v", tt.v.IsNull())
			}
			if tt.str != "" && tt.v.String() != tt.str {
				t.Errorf("String: got %q, want %q", tt.v.String(), tt.str)
			}
		})
	}

	zeros := map[string]Value{"I": IntValue(0), "Z": IntValue(0), "J": LongValue(0), "Ljava/lang/Object;": NullValue(), "[I": NullValue()}
	for desc, want := range zeros {
		if got := zeroValue(desc); got != want {
			t.Errorf("zeroValue(%s): got %v, want %v", desc, got, want)
		}
	}
}
