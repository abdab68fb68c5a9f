package classfile

import (
	"reflect"
	"testing"
)

func TestConstantPoolEditorReusesEntries(t *testing.T) {
	cf := NewClassFile("A", "java/lang/Object", AccPublic)
	ed := NewConstantPoolEditor(cf)

	first := ed.AddMethodref("B", "m", "()V")
	size := len(cf.ConstantPool)
	second := ed.AddMethodref("B", "m", "()V")
	if first != second {
		t.Errorf("AddMethodref returned %d then %d for the same reference", first, second)
	}
	if len(cf.ConstantPool) != size {
		t.Errorf("pool grew from %d to %d on a duplicate add", size, len(cf.ConstantPool))
	}

	// A second editor indexes what the first one added.
	again := NewConstantPoolEditor(cf).AddMethodref("B", "m", "()V")
	if again != first {
		t.Errorf("fresh editor: got %d, want %d", again, first)
	}

	if iface := ed.AddInterfaceMethodref("B", "m", "()V"); iface == first {
		t.Error("InterfaceMethodref must not share an index with Methodref")
	}
	if ed.Err() != nil {
		t.Errorf("Err: %v", ed.Err())
	}
}

func TestConstantPoolEditorWideConstants(t *testing.T) {
	cf := NewClassFile("A", "java/lang/Object", AccPublic)
	ed := NewConstantPoolEditor(cf)

	l := ed.AddLong(1 << 40)
	next := ed.AddInteger(7)
	if next != l+2 {
		t.Errorf("entry after a Long: got index %d, want %d", next, l+2)
	}
	if cf.ConstantPool[l+1] != nil {
		t.Error("slot after a Long must be unusable")
	}
	d := ed.AddDouble(2.5)
	if got := len(cf.ConstantPool); got != int(d)+2 {
		t.Errorf("pool length after a Double: got %d, want %d", got, d+2)
	}

	data, err := cf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	parsed, err := ParseBytes(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c, ok := parsed.ConstantPool[l].(*ConstantLong); !ok || c.Value != 1<<40 {
		t.Errorf("Long constant: got %#v", parsed.ConstantPool[l])
	}
	if c, ok := parsed.ConstantPool[d].(*ConstantDouble); !ok || c.Value != 2.5 {
		t.Errorf("Double constant: got %#v", parsed.ConstantPool[d])
	}
}

func TestCloneConstant(t *testing.T) {
	src := NewClassFile("Src", "java/lang/Object", AccPublic)
	sed := NewConstantPoolEditor(src)
	dst := NewClassFile("Dst", "java/lang/Object", AccPublic)
	ded := NewConstantPoolEditor(dst)

	tests := []struct {
		name  string
		index uint16
	}{
		{"string", sed.AddString("hello")},
		{"integer", sed.AddInteger(100000)},
		{"long", sed.AddLong(-3)},
		{"class", sed.AddClass("java/util/List")},
		{"fieldref", sed.AddFieldref("Src", "f", "I")},
		{"methodref", sed.AddMethodref("Src", "g", "(I)I")},
		{"interface methodref", sed.AddInterfaceMethodref("java/util/List", "size", "()I")},
		{"method type", sed.AddMethodType("()V")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := ded.CloneConstant(src.ConstantPool, tt.index)
			if err != nil {
				t.Fatalf("CloneConstant: %v", err)
			}
			wantKey, _ := sed.key(src.ConstantPool[tt.index])
			gotKey, _ := ded.key(dst.ConstantPool[idx])
			if gotKey != wantKey {
				t.Errorf("cloned entry: got %q, want %q", gotKey, wantKey)
			}
		})
	}
}

func TestCloneConstantRejectsDynamic(t *testing.T) {
	src := NewClassFile("Src", "java/lang/Object", AccPublic)
	nat := NewConstantPoolEditor(src).AddNameAndType("run", "()Ljava/lang/Runnable;")
	src.ConstantPool = append(src.ConstantPool, &ConstantDynamic{Invoke: true, NameAndTypeIndex: nat})
	indy := uint16(len(src.ConstantPool) - 1)

	dst := NewClassFile("Dst", "java/lang/Object", AccPublic)
	if _, err := NewConstantPoolEditor(dst).CloneConstant(src.ConstantPool, indy); err == nil {
		t.Fatal("expected error when copying an InvokeDynamic constant")
	}
}

func TestConstantPoolEditorOverflow(t *testing.T) {
	cf := &ClassFile{ConstantPool: make([]ConstantPoolEntry, 65534)}
	ed := NewConstantPoolEditor(cf)
	if idx := ed.AddUtf8("fits"); idx != 65534 {
		t.Fatalf("last slot: got %d, want 65534", idx)
	}
	if idx := ed.AddUtf8("overflows"); idx != 0 {
		t.Errorf("overflowing add: got %d, want 0", idx)
	}
	if ed.Err() == nil {
		t.Error("expected Err after overflow")
	}
}

func TestParseMethodDescriptor(t *testing.T) {
	tests := []struct {
		desc       string
		wantParams []string
		wantRet    string
		wantSlots  int
	}{
		{"()V", nil, "V", 0},
		{"(I)I", []string{"I"}, "I", 1},
		{"(JD)V", []string{"J", "D"}, "V", 4},
		{"([[ILjava/lang/Runnable;Z)Ljava/lang/String;", []string{"[[I", "Ljava/lang/Runnable;", "Z"}, "Ljava/lang/String;", 3},
		{"([J)[J", []string{"[J"}, "[J", 1},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			params, ret, err := ParseMethodDescriptor(tt.desc)
			if err != nil {
				t.Fatalf("ParseMethodDescriptor: %v", err)
			}
			if !reflect.DeepEqual(params, tt.wantParams) {
				t.Errorf("params: got %q, want %q", params, tt.wantParams)
			}
			if ret != tt.wantRet {
				t.Errorf("return: got %q, want %q", ret, tt.wantRet)
			}
			slots, err := ParameterSlots(tt.desc)
			if err != nil || slots != tt.wantSlots {
				t.Errorf("ParameterSlots: got %d, %v, want %d", slots, err, tt.wantSlots)
			}
			if got := MethodDescriptor(params, ret); got != tt.desc {
				t.Errorf("MethodDescriptor: got %q", got)
			}
		})
	}
}

func TestParseMethodDescriptorInvalid(t *testing.T) {
	for _, desc := range []string{"", "V", "(I", "(Ljava/lang/Object)V", "(Q)V", "()", "()II"} {
		if _, _, err := ParseMethodDescriptor(desc); err == nil {
			t.Errorf("%q: expected error", desc)
		}
	}
}

func TestClassTypeName(t *testing.T) {
	if got := ClassTypeName("Ljava/lang/Runnable;"); got != "java/lang/Runnable" {
		t.Errorf("got %q", got)
	}
	for _, s := range []string{"I", "[Ljava/lang/Object;", "L;"} {
		if got := ClassTypeName(s); got != "" {
			t.Errorf("%q: got %q, want empty", s, got)
		}
	}
}
