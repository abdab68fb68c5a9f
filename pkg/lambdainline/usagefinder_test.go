package lambdainline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/daimatz/gojopt/internal/fixture"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
	"github.com/daimatz/gojopt/pkg/lambdainline/lambdalocator"
)

// located returns the static lambdas of an initialized program by key.
func located(t *testing.T, program *classpool.ClassPool) map[string]lambdalocator.Lambda {
	t.Helper()
	loc, err := lambdalocator.New(program, "")
	if err != nil {
		t.Fatalf("lambdalocator.New: %v", err)
	}
	out := make(map[string]lambdalocator.Lambda)
	for _, l := range loc.StaticLambdas() {
		out[l.Key().String()] = l
	}
	return out
}

func sitesOf(t *testing.T, program, library *classpool.ClassPool, key string) []UsageSite {
	t.Helper()
	loc, err := lambdalocator.New(program, "")
	if err != nil {
		t.Fatalf("lambdalocator.New: %v", err)
	}
	l, ok := located(t, program)[key]
	if !ok {
		t.Fatalf("no lambda %s", key)
	}
	var out []UsageSite
	for site, err := range NewUsageFinder(program, library, loc.StaticLambdaMap(), nil).Sites(l) {
		if err != nil {
			t.Fatalf("Sites: %v", err)
		}
		out = append(out, site)
	}
	return out
}

func TestSitesSingleCall(t *testing.T) {
	program, library := fixture.ScenarioA().Build()
	const key = "demo/Main.run()I@0"
	sites := sitesOf(t, program, library, key)
	if len(sites) != 1 {
		t.Fatalf("got %d sites %v, want 1", len(sites), sites)
	}
	s := sites[0]
	if !s.IsCall() {
		t.Fatalf("expected a call site, got %s", s)
	}
	if got := describe(s.ConsumingClass, s.ConsumingMethod); got != "demo/Util.twice(Ldemo/IntOp;I)I" {
		t.Errorf("consumer: got %s", got)
	}
	if s.ParamIndex != 0 || s.CallOffset != 5 || s.CallMethod.Name != "run" {
		t.Errorf("got param %d at %d in %s", s.ParamIndex, s.CallOffset, s.CallMethod.Name)
	}
	if got := s.Trace.Offsets(); !reflect.DeepEqual(got, []int{0}) {
		t.Errorf("Trace: got %v", got)
	}
	if !reflect.DeepEqual(s.PossibleOrigins, []string{key}) {
		t.Errorf("PossibleOrigins: got %v", s.PossibleOrigins)
	}
}

func TestSitesThroughLocal(t *testing.T) {
	program, library := fixture.ScenarioB().Build()
	const key = "demo/Main.run(Ldemo/Sink;)I@0"
	sites := sitesOf(t, program, library, key)

	type want struct {
		consumer string
		offset   int
		trace    []int
	}
	wants := []want{
		{"demo/Sink.accept(Ldemo/IntOp;)V", 6, []int{5, 3, 0}},
		{"demo/Util.twice(Ldemo/IntOp;I)I", 14, []int{11, 3, 0}},
	}
	if len(sites) != len(wants) {
		t.Fatalf("got %d sites %v, want %d", len(sites), sites, len(wants))
	}
	for i, w := range wants {
		s := sites[i]
		if !s.IsCall() {
			t.Errorf("site %d: expected a call, got %s", i, s)
			continue
		}
		if got := describe(s.ConsumingClass, s.ConsumingMethod); got != w.consumer {
			t.Errorf("site %d: consumer %s, want %s", i, got, w.consumer)
		}
		if s.CallOffset != w.offset || !reflect.DeepEqual(s.Trace.Offsets(), w.trace) {
			t.Errorf("site %d: at %d with trace %v, want %d with %v", i, s.CallOffset, s.Trace.Offsets(), w.offset, w.trace)
		}
		if !reflect.DeepEqual(s.PossibleOrigins, []string{key}) {
			t.Errorf("site %d: PossibleOrigins %v", i, s.PossibleOrigins)
		}
	}
}

func TestSitesMergedPaths(t *testing.T) {
	program, library := fixture.ScenarioC().Build()
	for _, key := range []string{"demo/Main.run(Z)I@4", "demo/Main.run(Z)I@10"} {
		t.Run(key, func(t *testing.T) {
			sites := sitesOf(t, program, library, key)
			if len(sites) != 1 {
				t.Fatalf("got %d sites %v, want 1", len(sites), sites)
			}
			want := []string{"demo/Main.run(Z)I@10", "demo/Main.run(Z)I@4"}
			if got := sites[0].PossibleOrigins; !reflect.DeepEqual(got, want) {
				t.Errorf("PossibleOrigins: got %v, want %v", got, want)
			}
			if sites[0].CallOffset != 15 {
				t.Errorf("CallOffset: got %d", sites[0].CallOffset)
			}
		})
	}
}

func TestSitesThroughForwarder(t *testing.T) {
	program, library := fixture.CallForms().Build()
	sites := sitesOf(t, program, library, "demo/Main.forwarded()I@0")
	if len(sites) != 2 {
		t.Fatalf("got %d sites %v, want 2", len(sites), sites)
	}
	inner, escape := sites[0], sites[1]
	if !inner.IsCall() || inner.CallClass.Name() != fixture.Util || inner.CallMethod.Name != "forward" || inner.CallOffset != 2 {
		t.Errorf("inner site: got %s", inner)
	}
	if inner.ConsumingMethod.Name != "twice" {
		t.Errorf("inner consumer: got %s", inner.ConsumingMethod.Name)
	}
	if !reflect.DeepEqual(inner.PossibleOrigins, []string{"demo/Main.forwarded()I@0"}) {
		t.Errorf("inner PossibleOrigins: got %v", inner.PossibleOrigins)
	}
	if escape.IsCall() || !strings.Contains(escape.Reason, "forwarded through demo/Util.forward") {
		t.Errorf("escape: got %s", escape)
	}
}

func TestSitesUnknownCallerMakesOriginsAmbiguous(t *testing.T) {
	p := fixture.Demo()
	m := p.Main()
	create := m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc)
	forward := m.Pool.AddMethodref(fixture.Util, "forward", fixture.TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "run", "()I", 2, 0, fixture.Code(
		0xB8, create, // invokestatic Inc.create
		0x10, 40, // bipush 40
		0xB8, forward, // invokestatic Util.forward
		0xAC, // ireturn
	))
	// other has no callers, so what it passes on is unknown.
	m.Method(classfile.AccPublic|classfile.AccStatic, "other", "("+fixture.IntOpDesc+")I", 2, 1, fixture.Code(
		0x2A,          // aload_0
		0x04,          // iconst_1
		0xB8, forward, // invokestatic Util.forward
		0xAC, // ireturn
	))
	program, library := p.Build()

	sites := sitesOf(t, program, library, "demo/Main.run()I@0")
	if len(sites) != 2 || !sites[0].IsCall() {
		t.Fatalf("got %v, want a call site and an escape", sites)
	}
	want := []string{UnknownOrigin, "demo/Main.run()I@0"}
	if got := sites[0].PossibleOrigins; !reflect.DeepEqual(got, want) {
		t.Errorf("PossibleOrigins: got %v, want %v", got, want)
	}
}

func TestSitesEscapes(t *testing.T) {
	tests := []struct {
		name   string
		body   func(m *fixture.Class) []byte
		desc   string
		reason string
	}{
		{
			name: "returned",
			desc: "()" + fixture.IntOpDesc,
			body: func(m *fixture.Class) []byte {
				return fixture.Code(0xB8, m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc), 0xB0) // invokestatic, areturn
			},
			reason: "consumed by areturn",
		},
		{
			name: "stored in a field",
			desc: "()V",
			body: func(m *fixture.Class) []byte {
				m.NewField(classfile.AccStatic, "op", fixture.IntOpDesc)
				return fixture.Code(
					0xB8, m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc), // invokestatic
					0xB3, m.Pool.AddFieldref(fixture.Main, "op", fixture.IntOpDesc), // putstatic
					0xB1, // return
				)
			},
			reason: "consumed by putstatic",
		},
		{
			name: "called directly",
			desc: "()I",
			body: func(m *fixture.Class) []byte {
				return fixture.Code(
					0xB8, m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc), // invokestatic
					0x04, // iconst_1
					0xB9, m.Pool.AddInterfaceMethodref(fixture.IntOp, "apply", "(I)I"), 0x02, 0x00, // invokeinterface
					0xAC, // ireturn
				)
			},
			reason: "used as the receiver of demo/IntOp.apply(I)I",
		},
		{
			name: "dropped",
			desc: "()V",
			body: func(m *fixture.Class) []byte {
				return fixture.Code(
					0xB8, m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc), // invokestatic
					0x57, // pop
					0xB1, // return
				)
			},
			reason: "consumed by pop",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fixture.Demo()
			m := p.Main()
			m.Method(classfile.AccStatic, "leak", tt.desc, 2, 0, tt.body(m))
			program, library := p.Build()
			sites := sitesOf(t, program, library, "demo/Main.leak"+tt.desc+"@0")
			if len(sites) != 1 {
				t.Fatalf("got %d sites %v, want 1", len(sites), sites)
			}
			if sites[0].IsCall() || sites[0].Reason != tt.reason {
				t.Errorf("got %s, want escape %q", sites[0], tt.reason)
			}
		})
	}
}

func TestSitesUntraceableMethod(t *testing.T) {
	p := fixture.Demo()
	m := p.Main()
	create := m.Pool.AddMethodref(fixture.Inc, "create", fixture.FactoryDesc)
	m.Method(classfile.AccStatic, "broken", "()V", 1, 0, fixture.Code(
		0xB8, create, // invokestatic Inc.create
		0x57, // pop
	))
	program, library := p.Build()
	loc, err := lambdalocator.New(program, "")
	if err != nil {
		t.Fatalf("lambdalocator.New: %v", err)
	}
	l := loc.StaticLambdas()[0]
	n := 0
	for site, err := range NewUsageFinder(program, library, loc.StaticLambdaMap(), nil).Sites(l) {
		n++
		if err == nil || site.ParamIndex != -1 {
			t.Errorf("expected an error, got %s", site)
		}
	}
	if n != 1 {
		t.Errorf("got %d results, want 1", n)
	}
}
