package lambdainline

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/daimatz/gojopt/internal/fixture"
	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
)

// listing renders a method body one instruction per entry, with invoked
// methods resolved.
func listing(t *testing.T, cf *classfile.ClassFile, m *classfile.MethodInfo) []string {
	t.Helper()
	insns, err := bytecode.DecodeAll(m.Code.Code)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	out := make([]string, len(insns))
	for i, in := range insns {
		out[i] = bytecode.Mnemonic(in.Opcode)
		if in.IsInvoke() {
			ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, uint16(in.Index))
			if err != nil {
				t.Fatalf("at %d: %v", in.Offset, err)
			}
			out[i] += " " + ref.String()
		}
	}
	return out
}

func method(t *testing.T, program *classpool.ClassPool, class, name, desc string) (*classfile.ClassFile, *classfile.MethodInfo) {
	t.Helper()
	cf := program.Get(class)
	if cf == nil {
		t.Fatalf("no class %s", class)
	}
	m := cf.FindMethod(name, desc)
	if m == nil {
		t.Fatalf("no method %s.%s%s", class, name, desc)
	}
	return cf, m
}

// specialized counts the synthetic methods of class.
func specialized(program *classpool.ClassPool, class string) int {
	n := 0
	for _, m := range program.Get(class).Methods {
		if m.AccessFlags&classfile.AccSynthetic != 0 {
			n++
		}
	}
	return n
}

func run(t *testing.T, program, library *classpool.ClassPool, pass *Pass) *Report {
	t.Helper()
	report, err := pass.Run(AppView{ProgramClassPool: program, LibraryClassPool: library})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, cf := range program.Classes() {
		data, err := cf.Bytes()
		if err != nil {
			t.Fatalf("%s: Bytes: %v", cf.Name(), err)
		}
		if _, err := classfile.ParseBytes(data); err != nil {
			t.Fatalf("%s does not parse back: %v", cf.Name(), err)
		}
	}
	return report
}

func TestPassScenarioA(t *testing.T) {
	program, library := fixture.ScenarioA().Build()
	report := run(t, program, library, NewPass(nil, "", nil))

	if report.FullyInlined() != 1 || report.InlinedSites() != 1 || report.Err() != nil {
		t.Fatalf("report: %+v", report.Lambdas)
	}
	main, m := method(t, program, fixture.Main, "run", "()I")
	want := []string{"bipush", "invokestatic demo/Util.twice$inlined$Inc(I)I", "ireturn"}
	if got := listing(t, main, m); !reflect.DeepEqual(got, want) {
		t.Errorf("run: got %v, want %v", got, want)
	}
	if _, twice := method(t, program, fixture.Util, "twice", fixture.TwiceDesc); !bytes.Equal(twice.Code.Code[:2], []byte{0x2A, 0x2A}) {
		t.Error("the consuming method must be kept unchanged")
	}
	if n := specialized(program, fixture.Util); n != 1 {
		t.Errorf("got %d specialized methods, want 1", n)
	}

	// A second run finds nothing left to do.
	code := append([]byte(nil), m.Code.Code...)
	methods := len(program.Get(fixture.Util).Methods)
	report = run(t, program, library, NewPass(nil, "", nil))
	if len(report.Lambdas) != 0 {
		t.Errorf("second run processed %d lambdas", len(report.Lambdas))
	}
	if !bytes.Equal(m.Code.Code, code) || len(program.Get(fixture.Util).Methods) != methods {
		t.Error("second run changed the program")
	}
}

func TestPassScenarioB(t *testing.T) {
	program, library := fixture.ScenarioB().Build()
	report := run(t, program, library, NewPass(nil, "", nil))

	if len(report.Lambdas) != 1 {
		t.Fatalf("got %d outcomes", len(report.Lambdas))
	}
	o := report.Lambdas[0]
	if o.Sites != 2 || o.Inlined != 1 || o.FullyInlined {
		t.Errorf("outcome: %+v", o)
	}
	if !errors.Is(o.Err, ErrUnsupportedInlineTarget) {
		t.Errorf("Err: got %v", o.Err)
	}

	main, m := method(t, program, fixture.Main, "run", "(L"+fixture.Sink+";)I")
	want := []string{
		"invokestatic demo/Inc.create()Ldemo/IntOp;",
		"astore",
		"aload",
		"aload",
		"invokeinterface demo/Sink.accept(Ldemo/IntOp;)V",
		"bipush",
		"invokestatic demo/Util.twice$inlined$Inc(I)I",
		"ireturn",
	}
	if got := listing(t, main, m); !reflect.DeepEqual(got, want) {
		t.Errorf("run: got %v, want %v", got, want)
	}
	if n := specialized(program, fixture.Util); n != 1 {
		t.Errorf("got %d specialized methods, want 1", n)
	}
}

func TestPassScenarioC(t *testing.T) {
	program, library := fixture.ScenarioC().Build()
	main, m := method(t, program, fixture.Main, "run", "(Z)I")
	code := append([]byte(nil), m.Code.Code...)

	report := run(t, program, library, NewPass(nil, "", nil))
	if len(report.Lambdas) != 2 {
		t.Fatalf("got %d outcomes", len(report.Lambdas))
	}
	for _, o := range report.Lambdas {
		if o.Inlined != 0 || !errors.Is(o.Err, ErrAmbiguousProvenance) {
			t.Errorf("%s: inlined %d, err %v", o.Lambda, o.Inlined, o.Err)
		}
	}
	if !bytes.Equal(m.Code.Code, code) {
		t.Errorf("run changed: %v", listing(t, main, m))
	}
}

func TestPassCallForms(t *testing.T) {
	program, library := fixture.CallForms().Build()
	report := run(t, program, library, NewPass(nil, "", nil))
	if report.InlinedSites() != 3 || report.FullyInlined() != 2 {
		t.Errorf("report: %+v", report.Lambdas)
	}

	tests := []struct {
		class, name, desc string
		want              []string
	}{
		{fixture.Main, "virtualCall", "()I", []string{
			"new", "dup", "invokespecial demo/Calc.<init>()V", "bipush",
			"invokevirtual demo/Calc.twice$inlined$Inc(I)I", "ireturn",
		}},
		{fixture.Calc, "viaPrivate", "()I", []string{
			"aload", "bipush", "invokespecial demo/Calc.twicePrivate$inlined$Inc(I)I", "ireturn",
		}},
		// Util.forward drops its lambda but Main.forwarded still passes one.
		{fixture.Util, "forward", fixture.TwiceDesc, []string{
			"iload", "invokestatic demo/Util.twice$inlined$Dbl(I)I", "ireturn",
		}},
		{fixture.Main, "forwarded", "()I", []string{
			"invokestatic demo/Dbl.create()Ldemo/IntOp;", "bipush",
			"invokestatic demo/Util.forward(Ldemo/IntOp;I)I", "ireturn",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf, m := method(t, program, tt.class, tt.name, tt.desc)
			if got := listing(t, cf, m); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPassFilterAndPolicy(t *testing.T) {
	tests := []struct {
		name    string
		pass    *Pass
		wantErr error
	}{
		{"filtered out", NewPass(nil, "!demo.**", nil), nil},
		{"declined", NewPass(&ShortLambdaPolicy{MaxConsumingMethodLength: 1, MaxLambdaImplLength: 1, Enforce: true}, "", nil), ErrPolicyDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, library := fixture.ScenarioA().Build()
			_, m := method(t, program, fixture.Main, "run", "()I")
			code := append([]byte(nil), m.Code.Code...)
			report := run(t, program, library, tt.pass)
			if report.InlinedSites() != 0 || !bytes.Equal(m.Code.Code, code) {
				t.Errorf("expected no change, report %+v", report.Lambdas)
			}
			if tt.wantErr != nil && !errors.Is(report.Err(), tt.wantErr) {
				t.Errorf("Err: got %v, want %v", report.Err(), tt.wantErr)
			}
		})
	}
}

func TestPassRelocatesLaterLambdas(t *testing.T) {
	// Two lambdas in one method: inlining the first shifts the second.
	p := fixture.Demo()
	m := p.Main()
	inc := m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc)
	dbl := m.Pool.AddMethodref(fixture.Dbl, "create", fixture.FactoryDesc)
	twice := m.Pool.AddMethodref(fixture.Util, "twice", fixture.TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "run", "()I", 2, 1, fixture.Code(
		0xB8, inc, // 0: invokestatic Inc.create
		0x04,        // 3: iconst_1
		0xB8, twice, // 4: invokestatic Util.twice
		0x3B,      // 7: istore_0
		0xB8, dbl, // 8: invokestatic Dbl.create
		0x1A,        // 11: iload_0
		0xB8, twice, // 12: invokestatic Util.twice
		0xAC, // 15: ireturn
	))
	program, library := p.Build()
	report := run(t, program, library, NewPass(nil, "", nil))
	if report.FullyInlined() != 2 {
		t.Fatalf("report: %+v", report.Lambdas)
	}
	main, mm := method(t, program, fixture.Main, "run", "()I")
	want := []string{
		"iconst_1",
		"invokestatic demo/Util.twice$inlined$Inc(I)I",
		"istore",
		"iload",
		"invokestatic demo/Util.twice$inlined$Dbl(I)I",
		"ireturn",
	}
	if got := listing(t, main, mm); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPassLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	program, library := fixture.ScenarioA().Build()
	run(t, program, library, NewPass(nil, "", zap.New(core)))
	entries := logs.FilterMessage("processed lambda").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["lambda"] != "demo/Main.run()I@0" || fields["fully_inlined"] != true {
		t.Errorf("fields: %v", fields)
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	first := &classfile.CodeAttribute{MaxStack: 1, MaxLocals: 0, Code: fixture.Code(
		0x00, // nop
		0xB1, // return
	)}
	second := &classfile.CodeAttribute{MaxStack: 1, MaxLocals: 0, Code: fixture.Code(
		0x00, // nop
		0xB1, // return
	)}
	edits := newCodeEdits()
	edits.editor(first).DeleteInstruction(0)
	edits.editor(second).DeleteInstruction(0)
	// The second body no longer matches its editor.
	second.Code = append(second.Code, 0xB1) // return

	if _, err := edits.commit(); err == nil {
		t.Fatal("expected a commit error")
	}
	if !bytes.Equal(first.Code, []byte{0x00, 0xB1}) {
		t.Errorf("first body was left rewritten: % x", first.Code)
	}
}
