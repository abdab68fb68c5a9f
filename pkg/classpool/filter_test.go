package classpool

import "testing"

func TestNameFilter(t *testing.T) {
	tests := []struct {
		filter string
		name   string
		want   bool
	}{
		{"", "com/example/Foo", true},
		{"com.example.*", "com/example/Foo", true},
		{"com.example.*", "com/example/sub/Foo", false},
		{"com.example.**", "com/example/sub/Foo", true},
		{"com/example/Fo?", "com/example/Foo", true},
		{"com/example/Fo?", "com/example/Fooo", false},
		{"!com.example.Bar,com.example.*", "com/example/Bar", false},
		{"!com.example.Bar,com.example.*", "com/example/Foo", true},
		{"!com.example.Bar", "org/other/Baz", true},
		{"com.example.*", "org/other/Baz", false},
		{" com.example.Foo , ", "com.example.Foo", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+"/"+tt.name, func(t *testing.T) {
			f, err := ParseNameFilter(tt.filter)
			if err != nil {
				t.Fatalf("ParseNameFilter: %v", err)
			}
			if got := f.Accepts(tt.name); got != tt.want {
				t.Errorf("Accepts(%q): got %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestNilNameFilterAcceptsAll(t *testing.T) {
	var f *NameFilter
	if !f.Accepts("anything") {
		t.Error("nil filter should accept every name")
	}
}
