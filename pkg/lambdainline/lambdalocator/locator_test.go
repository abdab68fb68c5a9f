package lambdalocator

import (
	"reflect"
	"testing"

	"github.com/daimatz/gojopt/internal/fixture"
	"github.com/daimatz/gojopt/pkg/classfile"
)

func keys(ls []Lambda) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Key().String()
	}
	return out
}

func TestLocateSingleLambda(t *testing.T) {
	program, _ := fixture.ScenarioA().Build()
	loc, err := New(program, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls := loc.StaticLambdas()
	if len(ls) != 1 {
		t.Fatalf("got %d lambdas, want 1", len(ls))
	}
	l := ls[0]
	if got, want := l.Key().String(), "demo/Main.run()I@0"; got != want {
		t.Errorf("Key: got %s, want %s", got, want)
	}
	if l.Interface != fixture.IntOp || l.SAMName != "apply" || l.SAMDescriptor != "(I)I" {
		t.Errorf("functional method: got %s.%s%s", l.Interface, l.SAMName, l.SAMDescriptor)
	}
	if l.LambdaClass.Name() != fixture.Inc || l.ImplMethod.Name != "apply" {
		t.Errorf("implementation: got %s", l)
	}
	if l.Factory.ClassName != fixture.Inc || l.Factory.MethodName != "create" {
		t.Errorf("Factory: got %s", l.Factory.String())
	}
	if _, ok := loc.StaticLambdaMap()[l.Key()]; !ok {
		t.Error("StaticLambdaMap misses the lambda")
	}
}

func TestLocateOrder(t *testing.T) {
	program, _ := fixture.ScenarioC().Build()
	loc, err := New(program, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{"demo/Main.run(Z)I@4", "demo/Main.run(Z)I@10"}
	if got := keys(loc.StaticLambdas()); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocateFilter(t *testing.T) {
	tests := []struct {
		filter string
		want   int
	}{
		{"", 3},
		{"demo/Main", 2},
		{"!demo/Main,**", 1},
		{"other.**", 0},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			program, _ := fixture.CallForms().Build()
			loc, err := New(program, tt.filter)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := len(loc.StaticLambdas()); got != tt.want {
				t.Errorf("got %d lambdas %v, want %d", got, keys(loc.StaticLambdas()), tt.want)
			}
		})
	}
}

func TestLocateRejectsNonFactories(t *testing.T) {
	p := fixture.Demo()

	// A lambda class with state.
	stateful := p.Add(fixture.NewClass("demo/Stateful", fixture.Object, classfile.AccFinal|classfile.AccSuper, fixture.IntOp))
	stateful.NewField(classfile.AccPrivate, "n", "I")
	stateful.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 1, 0, fixture.Code(0x01, 0xB0)) // aconst_null, areturn
	stateful.Method(classfile.AccPublic, "apply", "(I)I", 1, 2, fixture.Code(0x1B, 0xAC))            // iload_1, ireturn

	// A factory taking an argument.
	param := p.Add(fixture.NewClass("demo/Param", fixture.Object, classfile.AccFinal|classfile.AccSuper, fixture.IntOp))
	param.Method(classfile.AccStatic, "create", "(I)"+fixture.IntOpDesc, 1, 1, fixture.Code(0x01, 0xB0)) // aconst_null, areturn
	param.Method(classfile.AccPublic, "apply", "(I)I", 1, 2, fixture.Code(0x1B, 0xAC))                   // iload_1, ireturn

	m := p.Main()
	s := m.Pool.AddMethodref("demo/Stateful", "create", fixture.FactoryDesc)
	pc := m.Pool.AddMethodref("demo/Param", "create", "(I)"+fixture.IntOpDesc)
	m.Method(classfile.AccStatic, "run", "()V", 1, 0, fixture.Code(
		0xB8, s, // invokestatic Stateful.create
		0x57,    // pop
		0x04,    // iconst_1
		0xB8, pc, // invokestatic Param.create
		0x57, // pop
		0xB1, // return
	))

	program, _ := p.Build()
	loc, err := New(program, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ls := loc.StaticLambdas(); len(ls) != 0 {
		t.Errorf("got %v, want none", keys(ls))
	}
}

// allocation returns the code of new class; dup; invokespecial class.<init>()V.
func allocation(c *fixture.Class, class string) []any {
	return []any{
		0xBB, c.Pool.AddClass(class), // new
		0x59, // dup
		0xB7, c.Pool.AddMethodref(class, "<init>", "()V"), // invokespecial <init>
	}
}

func TestLocateFactoryBodies(t *testing.T) {
	const name = "demo/Made"
	withField := func(c *fixture.Class, flags uint16) uint16 {
		c.NewField(classfile.AccStatic|flags, "f", fixture.IntOpDesc)
		return c.Pool.AddFieldref(name, "f", fixture.IntOpDesc)
	}
	singletonInit := func(c *fixture.Class, field uint16) {
		c.Method(classfile.AccStatic, "<clinit>", "()V", 2, 0, fixture.Code(append(allocation(c, name),
			0xB3, field, // putstatic f
			0xB1, // return
		)...))
	}

	tests := []struct {
		name  string
		build func(c *fixture.Class)
		want  int
	}{
		{"fresh instance", func(c *fixture.Class) {
			c.DefaultConstructor()
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 2, 0, fixture.Code(append(allocation(c, name), 0xB0)...)) // areturn
		}, 1},
		{"final singleton", func(c *fixture.Class) {
			c.DefaultConstructor()
			f := withField(c, classfile.AccFinal)
			singletonInit(c, f)
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 1, 0, fixture.Code(
				0xB2, f, // getstatic f
				0xB0, // areturn
			))
		}, 1},
		{"instance of another class", func(c *fixture.Class) {
			c.DefaultConstructor()
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 2, 0, fixture.Code(append(allocation(c, fixture.Dbl), 0xB0)...)) // areturn
		}, 0},
		{"side effect in the factory", func(c *fixture.Class) {
			c.DefaultConstructor()
			n := c.Pool.AddFieldref(fixture.Util, "n", "I")
			code := append([]any{
				0x04,    // iconst_1
				0xB3, n, // putstatic Util.n
			}, allocation(c, name)...)
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 2, 0, fixture.Code(append(code, 0xB0)...)) // areturn
		}, 0},
		{"constructor with side effects", func(c *fixture.Class) {
			object := c.Pool.AddMethodref(fixture.Object, "<init>", "()V")
			n := c.Pool.AddFieldref(fixture.Util, "n", "I")
			c.Method(classfile.AccPublic, "<init>", "()V", 1, 1, fixture.Code(
				0x2A,         // aload_0
				0xB7, object, // invokespecial Object.<init>
				0x04,    // iconst_1
				0xB3, n, // putstatic Util.n
				0xB1, // return
			))
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 2, 0, fixture.Code(append(allocation(c, name), 0xB0)...)) // areturn
		}, 0},
		{"static initializer with side effects", func(c *fixture.Class) {
			c.DefaultConstructor()
			n := c.Pool.AddFieldref(fixture.Util, "n", "I")
			c.Method(classfile.AccStatic, "<clinit>", "()V", 1, 0, fixture.Code(
				0x04,    // iconst_1
				0xB3, n, // putstatic Util.n
				0xB1, // return
			))
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 2, 0, fixture.Code(append(allocation(c, name), 0xB0)...)) // areturn
		}, 0},
		{"mutable singleton", func(c *fixture.Class) {
			c.DefaultConstructor()
			f := withField(c, 0)
			singletonInit(c, f)
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 1, 0, fixture.Code(
				0xB2, f, // getstatic f
				0xB0, // areturn
			))
		}, 0},
		{"uninitialized singleton", func(c *fixture.Class) {
			c.DefaultConstructor()
			f := withField(c, classfile.AccFinal)
			c.Method(classfile.AccStatic, "create", fixture.FactoryDesc, 1, 0, fixture.Code(
				0xB2, f, // getstatic f
				0xB0, // areturn
			))
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fixture.Demo()
			c := p.Add(fixture.NewClass(name, fixture.Object, classfile.AccFinal|classfile.AccSuper, fixture.IntOp))
			tt.build(c)
			c.Method(classfile.AccPublic, "apply", "(I)I", 2, 2, fixture.Code(0x1B, 0x04, 0x60, 0xAC)) // iload_1, iconst_1, iadd, ireturn

			m := p.Main()
			create := m.Pool.AddMethodref(name, "create", fixture.FactoryDesc)
			m.Method(classfile.AccStatic, "run", "()V", 1, 0, fixture.Code(
				0xB8, create, // invokestatic create
				0x57, // pop
				0xB1, // return
			))

			program, _ := p.Build()
			loc, err := New(program, "")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := len(loc.StaticLambdas()); got != tt.want {
				t.Errorf("got %d lambdas, want %d", got, tt.want)
			}
		})
	}
}

func TestSingleAbstractMethod(t *testing.T) {
	p := fixture.Demo()
	two := p.Add(fixture.NewClass("demo/Two", fixture.Object, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract))
	two.Abstract("a", "()V")
	two.Abstract("b", "()V")
	sub := p.Add(fixture.NewClass("demo/Sub", fixture.Object, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, fixture.IntOp))
	sub.Abstract("equals", "(Ljava/lang/Object;)Z")
	sub.Method(classfile.AccPublic, "twice", "(I)I", 1, 2, fixture.Code(0x1B, 0xAC)) // iload_1, ireturn
	program, _ := p.Build()

	tests := []struct {
		iface string
		want  string
	}{
		{fixture.IntOp, "apply(I)I"},
		{"demo/Sub", "apply(I)I"},
		{"demo/Two", ""},
		{"demo/Missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.iface, func(t *testing.T) {
			got := ""
			if m := SingleAbstractMethod(program, tt.iface); m != nil {
				got = m.Name + m.Descriptor
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
