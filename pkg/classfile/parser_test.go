package classfile

import (
	"bytes"
	"testing"
)

// buildAdder returns a class equivalent to
//
//	public class Adder { static int add(int a, int b) { return a + b; } }
func buildAdder() *ClassFile {
	cf := NewClassFile("Adder", "java/lang/Object", AccPublic|AccSuper)
	cf.NewMethod(AccStatic, "add", "(II)I", &CodeAttribute{
		MaxStack:  2,
		MaxLocals: 2,
		Code: []byte{
			0x1A, // iload_0
			0x1B, // iload_1
			0x60, // iadd
			0xAC, // ireturn
		},
	})
	cf.NewField(AccPrivate|AccStatic, "counter", "J")
	return cf
}

func TestParseWrittenClass(t *testing.T) {
	data, err := buildAdder().Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	cf, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse Adder: %v", err)
	}

	if cf.MajorVersion != 52 {
		t.Errorf("major version: got %d, want 52", cf.MajorVersion)
	}
	if got := cf.Name(); got != "Adder" {
		t.Errorf("this_class: got %q, want %q", got, "Adder")
	}
	if got := cf.SuperClassName(); got != "java/lang/Object" {
		t.Errorf("super_class: got %q, want %q", got, "java/lang/Object")
	}

	m := cf.FindMethod("add", "(II)I")
	if m == nil {
		t.Fatal("add method not found")
	}
	if !m.IsStatic() {
		t.Error("add should be static")
	}
	if m.Code == nil {
		t.Fatal("add has no Code attribute")
	}
	if len(m.Attributes) != 0 {
		t.Errorf("Code must not stay in the raw attribute list, got %d attributes", len(m.Attributes))
	}
	if !bytes.Equal(m.Code.Code, []byte{0x1A, 0x1B, 0x60, 0xAC}) {
		t.Errorf("code: got % X", m.Code.Code)
	}
	if m.Code.MaxStack != 2 || m.Code.MaxLocals != 2 {
		t.Errorf("max_stack/max_locals: got %d/%d, want 2/2", m.Code.MaxStack, m.Code.MaxLocals)
	}

	f := cf.FindField("counter", "J")
	if f == nil {
		t.Fatal("counter field not found")
	}
	if !f.IsStatic() {
		t.Error("counter should be static")
	}
}

func TestParseInvalidMagic(t *testing.T) {
	_, err := ParseBytes([]byte{0xCA, 0xFE, 0xBA, 0xBF, 0, 0, 0, 52})
	if err == nil {
		t.Fatal("expected error for invalid magic")
	}
}

func TestParseTruncated(t *testing.T) {
	data, err := buildAdder().Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for _, n := range []int{4, 10, len(data) / 2, len(data) - 1} {
		if _, err := ParseBytes(data[:n]); err == nil {
			t.Errorf("expected error for class truncated to %d bytes", n)
		}
	}
}

func TestParseCodeAttributeExceptionTable(t *testing.T) {
	cf := NewClassFile("Guard", "java/lang/Object", AccPublic)
	ed := NewConstantPoolEditor(cf)
	catch := ed.AddClass("java/lang/RuntimeException")
	cf.NewMethod(AccStatic, "run", "()V", &CodeAttribute{
		MaxStack:  1,
		MaxLocals: 0,
		Code: []byte{
			0x00, // nop
			0xB1, // return
			0x57, // pop
			0xB1, // return
		},
		ExceptionHandlers: []ExceptionHandler{{StartPC: 0, EndPC: 2, HandlerPC: 2, CatchType: catch}},
		Attributes:        []AttributeInfo{{Name: "LineNumberTable", Data: []byte{0, 1, 0, 0, 0, 7}}},
	})

	data, err := cf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	parsed, err := ParseBytes(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	code := parsed.FindMethod("run", "()V").Code
	if len(code.ExceptionHandlers) != 1 {
		t.Fatalf("exception handlers: got %d, want 1", len(code.ExceptionHandlers))
	}
	h := code.ExceptionHandlers[0]
	if h.StartPC != 0 || h.EndPC != 2 || h.HandlerPC != 2 {
		t.Errorf("handler: got %+v", h)
	}
	name, err := GetClassName(parsed.ConstantPool, h.CatchType)
	if err != nil || name != "java/lang/RuntimeException" {
		t.Errorf("catch type: got %q, %v", name, err)
	}
	if len(code.Attributes) != 1 || code.Attributes[0].Name != "LineNumberTable" {
		t.Errorf("nested attributes: got %+v", code.Attributes)
	}
}

func TestParseBootstrapMethods(t *testing.T) {
	cf := NewClassFile("Indy", "java/lang/Object", AccPublic)
	ed := NewConstantPoolEditor(cf)
	mref := ed.AddMethodref("Indy", "bsm", "()V")
	handle := ed.AddMethodHandle(6, mref)
	mtype := ed.AddMethodType("()V")
	cf.Attributes = append(cf.Attributes, AttributeInfo{
		Name: "BootstrapMethods",
		Data: []byte{0, 1, byte(handle >> 8), byte(handle), 0, 1, byte(mtype >> 8), byte(mtype)},
	})

	data, err := cf.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	parsed, err := ParseBytes(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.BootstrapMethods) != 1 {
		t.Fatalf("bootstrap methods: got %d, want 1", len(parsed.BootstrapMethods))
	}
	bm := parsed.BootstrapMethods[0]
	if bm.MethodRef != handle || len(bm.BootstrapArguments) != 1 || bm.BootstrapArguments[0] != mtype {
		t.Errorf("bootstrap method: got %+v", bm)
	}
}

func TestResolveMethodref(t *testing.T) {
	cf := NewClassFile("Caller", "java/lang/Object", AccPublic)
	ed := NewConstantPoolEditor(cf)
	m := ed.AddMethodref("java/io/PrintStream", "println", "(I)V")
	im := ed.AddInterfaceMethodref("java/lang/Runnable", "run", "()V")
	f := ed.AddFieldref("java/lang/System", "out", "Ljava/io/PrintStream;")

	ref, err := ResolveMethodref(cf.ConstantPool, m)
	if err != nil {
		t.Fatalf("ResolveMethodref: %v", err)
	}
	if got := ref.String(); got != "java/io/PrintStream.println(I)V" {
		t.Errorf("methodref: got %q", got)
	}
	if _, err := ResolveMethodref(cf.ConstantPool, im); err == nil {
		t.Error("ResolveMethodref must reject an InterfaceMethodref")
	}
	iref, err := ResolveAnyMethodref(cf.ConstantPool, im)
	if err != nil {
		t.Fatalf("ResolveAnyMethodref: %v", err)
	}
	if !iref.Interface || iref.MethodName != "run" {
		t.Errorf("interface methodref: got %+v", iref)
	}
	fref, err := ResolveFieldref(cf.ConstantPool, f)
	if err != nil {
		t.Fatalf("ResolveFieldref: %v", err)
	}
	if fref.ClassName != "java/lang/System" || fref.FieldName != "out" {
		t.Errorf("fieldref: got %+v", fref)
	}
	if _, err := GetUtf8(cf.ConstantPool, 0); err == nil {
		t.Error("index 0 must not resolve")
	}
}
