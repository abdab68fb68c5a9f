// Package fixture assembles small programs for tests. Every program shares
// one functional interface, demo/IntOp, with two static lambda classes
// implementing it, and a set of consumers in demo/Util and demo/Calc.
package fixture

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
)

const (
	Object  = "java/lang/Object"
	IntOp   = "demo/IntOp"
	Inc     = "demo/Inc"
	Dbl     = "demo/Dbl"
	Util    = "demo/Util"
	Calc    = "demo/Calc"
	Sink    = "demo/Sink"
	NopSink = "demo/NopSink"
	Main    = "demo/Main"

	IntOpDesc   = "L" + IntOp + ";"
	FactoryDesc = "()" + IntOpDesc
	TwiceDesc   = "(" + IntOpDesc + "I)I"
)

// Code assembles bytecode. Untyped integers and bytes are emitted as one
// byte, uint16 values (constant pool indices) and int16 values (branch
// offsets) as two big-endian bytes.
func Code(parts ...any) []byte {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case int:
			if v < -128 || v > 255 {
				panic(fmt.Sprintf("fixture: %d does not fit in a byte", v))
			}
			out = append(out, byte(v))
		case byte:
			out = append(out, v)
		case uint16:
			out = binary.BigEndian.AppendUint16(out, v)
		case int16:
			out = binary.BigEndian.AppendUint16(out, uint16(v))
		default:
			panic(fmt.Sprintf("fixture: unsupported part %T", p))
		}
	}
	return out
}

// Class wraps a class under construction with an editor for its pool.
type Class struct {
	*classfile.ClassFile
	Pool *classfile.ConstantPoolEditor
}

// NewClass starts a class.
func NewClass(name, super string, flags uint16, interfaces ...string) *Class {
	cf := classfile.NewClassFile(name, super, flags, interfaces...)
	return &Class{ClassFile: cf, Pool: classfile.NewConstantPoolEditor(cf)}
}

// Method adds a method with a code body.
func (c *Class) Method(flags uint16, name, desc string, maxStack, maxLocals uint16, code []byte) *classfile.MethodInfo {
	return c.NewMethod(flags, name, desc, &classfile.CodeAttribute{MaxStack: maxStack, MaxLocals: maxLocals, Code: code})
}

// Abstract adds a method without a code body.
func (c *Class) Abstract(name, desc string) *classfile.MethodInfo {
	return c.NewMethod(classfile.AccPublic|classfile.AccAbstract, name, desc, nil)
}

// DefaultConstructor adds <init>()V calling the super constructor.
func (c *Class) DefaultConstructor() {
	super := c.Pool.AddMethodref(c.SuperClassName(), "<init>", "()V")
	c.Method(classfile.AccPublic, "<init>", "()V", 1, 1, Code(
		0x2A,        // aload_0
		0xB7, super, // invokespecial super.<init>
		0xB1, // return
	))
}

// Library returns a library pool holding java/lang/Object.
func Library() *classpool.ClassPool {
	object := NewClass(Object, "", classfile.AccPublic)
	object.Method(classfile.AccPublic, "<init>", "()V", 0, 1, Code(0xB1)) // return
	lib := classpool.New()
	mustAdd(lib, object)
	return lib
}

// Program collects classes into a program pool.
type Program struct {
	classes []*Class
}

func (p *Program) Add(c *Class) *Class {
	p.classes = append(p.classes, c)
	return c
}

// Class returns a class added before, or nil.
func (p *Program) Class(name string) *Class {
	for _, c := range p.classes {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Build returns initialized program and library pools.
func (p *Program) Build() (program, library *classpool.ClassPool) {
	program = classpool.New()
	for _, c := range p.classes {
		mustAdd(program, c)
	}
	library = Library()
	if err := classpool.Initialize(program, library); err != nil {
		panic(fmt.Sprintf("fixture: %v", err))
	}
	return program, library
}

func mustAdd(cp *classpool.ClassPool, c *Class) {
	if err := cp.Add(c.ClassFile); err != nil {
		panic(fmt.Sprintf("fixture: %v", err))
	}
	if err := c.Pool.Err(); err != nil {
		panic(fmt.Sprintf("fixture: %s: %v", c.Name(), err))
	}
}

// LambdaClass builds a stateless IntOp implementation with a static
// factory "create". body returns the code of apply(I)I, which gets two
// stack slots and two locals.
func LambdaClass(name string, body func(c *Class) []byte) *Class {
	c := NewClass(name, Object, classfile.AccFinal|classfile.AccSuper, IntOp)
	c.DefaultConstructor()
	class := c.Pool.AddClass(name)
	init := c.Pool.AddMethodref(name, "<init>", "()V")
	c.Method(classfile.AccStatic, "create", FactoryDesc, 2, 0, Code(
		0xBB, class, // new
		0x59,       // dup
		0xB7, init, // invokespecial <init>
		0xB0, // areturn
	))
	c.Method(classfile.AccPublic, "apply", "(I)I", 2, 2, body(c))
	return c
}

// lambdaClass builds a lambda class whose apply body is iload_1, <op...>,
// ireturn.
func lambdaClass(name string, op ...any) *Class {
	return LambdaClass(name, func(*Class) []byte {
		body := append([]any{0x1B}, op...) // iload_1
		return Code(append(body, 0xAC)...) // ireturn
	})
}

// RunTwice adds the static method Main.run()I returning
// Util.twice(<lambdaClass>.create(), 40) to p, creating Main if needed.
func (p *Program) RunTwice(lambdaClass string) *classfile.MethodInfo {
	m := p.Class(Main)
	if m == nil {
		m = p.Main()
	}
	create := m.Pool.AddMethodref(lambdaClass, "create", FactoryDesc)
	twice := m.Pool.AddMethodref(Util, "twice", TwiceDesc)
	return m.Method(classfile.AccPublic|classfile.AccStatic, "run", "()I", 2, 0, Code(
		0xB8, create, // invokestatic <lambdaClass>.create
		0x10, 40, // bipush 40
		0xB8, twice, // invokestatic Util.twice
		0xAC, // ireturn
	))
}

// Demo returns the shared classes:
//
//	interface IntOp { int apply(int x); }
//	final class Inc implements IntOp { static IntOp create(); int apply(int x) { return x + 1; } }
//	final class Dbl implements IntOp { static IntOp create(); int apply(int x) { return x * 2; } }
//	class Util {
//	    static int twice(IntOp op, int v) { return op.apply(op.apply(v)); }
//	    static int forward(IntOp op, int v) { return twice(op, v); }
//	}
//	interface Sink { void accept(IntOp op); }
//	class NopSink implements Sink { void accept(IntOp op) {} }
//	class Calc {
//	    int twice(IntOp op, int v);
//	    private int twicePrivate(IntOp op, int v);
//	}
func Demo() *Program {
	p := &Program{}

	intOp := p.Add(NewClass(IntOp, Object, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract))
	intOp.Abstract("apply", "(I)I")

	p.Add(lambdaClass(Inc, 0x04, 0x60)) // iconst_1, iadd
	p.Add(lambdaClass(Dbl, 0x05, 0x68)) // iconst_2, imul

	util := p.Add(NewClass(Util, Object, classfile.AccPublic|classfile.AccSuper))
	apply := util.Pool.AddInterfaceMethodref(IntOp, "apply", "(I)I")
	twice := util.Pool.AddMethodref(Util, "twice", TwiceDesc)
	util.Method(classfile.AccPublic|classfile.AccStatic, "twice", TwiceDesc, 3, 2, Code(
		0x2A,                   // aload_0
		0x2A,                   // aload_0
		0x1B,                   // iload_1
		0xB9, apply, 0x02, 0x00, // invokeinterface IntOp.apply
		0xB9, apply, 0x02, 0x00, // invokeinterface IntOp.apply
		0xAC, // ireturn
	))
	util.Method(classfile.AccPublic|classfile.AccStatic, "forward", TwiceDesc, 2, 2, Code(
		0x2A,        // aload_0
		0x1B,        // iload_1
		0xB8, twice, // invokestatic Util.twice
		0xAC, // ireturn
	))

	sink := p.Add(NewClass(Sink, Object, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract))
	sink.Abstract("accept", "("+IntOpDesc+")V")
	nop := p.Add(NewClass(NopSink, Object, classfile.AccPublic|classfile.AccSuper, Sink))
	nop.DefaultConstructor()
	nop.Method(classfile.AccPublic, "accept", "("+IntOpDesc+")V", 0, 2, Code(0xB1)) // return

	calc := p.Add(NewClass(Calc, Object, classfile.AccPublic|classfile.AccSuper))
	calc.DefaultConstructor()
	capply := calc.Pool.AddInterfaceMethodref(IntOp, "apply", "(I)I")
	calcBody := Code(
		0x2B,                    // aload_1
		0x2B,                    // aload_1
		0x1C,                    // iload_2
		0xB9, capply, 0x02, 0x00, // invokeinterface IntOp.apply
		0xB9, capply, 0x02, 0x00, // invokeinterface IntOp.apply
		0xAC, // ireturn
	)
	calc.Method(classfile.AccPublic, "twice", TwiceDesc, 3, 3, calcBody)
	calc.Method(classfile.AccPrivate, "twicePrivate", TwiceDesc, 3, 3, append([]byte(nil), calcBody...))
	return p
}

// Main adds an empty demo/Main class to p.
func (p *Program) Main() *Class {
	return p.Add(NewClass(Main, Object, classfile.AccPublic|classfile.AccSuper))
}

// ScenarioA: one lambda created once and consumed once.
//
//	static int run() { return Util.twice(Inc.create(), 40); }
func ScenarioA() *Program {
	p := Demo()
	p.RunTwice(Inc)
	return p
}

// ScenarioB: one lambda consumed at two sites, one of which has no code body.
//
//	static int run(Sink sink) { IntOp op = Inc.create(); sink.accept(op); return Util.twice(op, 40); }
//	static int run() { return run(new NopSink()); }
func ScenarioB() *Program {
	p := Demo()
	m := p.Main()
	create := m.Pool.AddMethodref(Inc, "create", FactoryDesc)
	accept := m.Pool.AddInterfaceMethodref(Sink, "accept", "("+IntOpDesc+")V")
	twice := m.Pool.AddMethodref(Util, "twice", TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "run", "(L"+Sink+";)I", 2, 2, Code(
		0xB8, create, // invokestatic Inc.create
		0x4C,                     // astore_1
		0x2A,                     // aload_0
		0x2B,                     // aload_1
		0xB9, accept, 0x02, 0x00, // invokeinterface Sink.accept
		0x2B,     // aload_1
		0x10, 40, // bipush 40
		0xB8, twice, // invokestatic Util.twice
		0xAC, // ireturn
	))
	nopSink := m.Pool.AddClass(NopSink)
	nopInit := m.Pool.AddMethodref(NopSink, "<init>", "()V")
	run := m.Pool.AddMethodref(Main, "run", "(L"+Sink+";)I")
	m.Method(classfile.AccPublic|classfile.AccStatic, "run", "()I", 2, 0, Code(
		0xBB, nopSink, // new NopSink
		0x59,          // dup
		0xB7, nopInit, // invokespecial NopSink.<init>
		0xB8, run, // invokestatic Main.run(Sink)
		0xAC, // ireturn
	))
	return p
}

// ScenarioC: two lambdas reach one site along two control flow paths.
//
//	static int run(boolean inc) { return Util.twice(inc ? Inc.create() : Dbl.create(), 20); }
func ScenarioC() *Program {
	p := Demo()
	m := p.Main()
	inc := m.Pool.AddMethodref(Inc, "create", FactoryDesc)
	dbl := m.Pool.AddMethodref(Dbl, "create", FactoryDesc)
	twice := m.Pool.AddMethodref(Util, "twice", TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "run", "(Z)I", 2, 1, Code(
		0x1A,            // 0: iload_0
		0x99, int16(9),  // 1: ifeq 10
		0xB8, inc,       // 4: invokestatic Inc.create
		0xA7, int16(6),  // 7: goto 13
		0xB8, dbl,       // 10: invokestatic Dbl.create
		0x10, 20,        // 13: bipush 20
		0xB8, twice,     // 15: invokestatic Util.twice
		0xAC,            // 18: ireturn
	))
	return p
}

// CallForms: instance consumers and a forwarding static consumer.
//
//	int Calc.viaPrivate() { return twicePrivate(Inc.create(), 40); }
//	static int virtualCall() { return new Calc().twice(Inc.create(), 40); }
//	static int privateCall() { return new Calc().viaPrivate(); }
//	static int forwarded() { return Util.forward(Dbl.create(), 40); }
func CallForms() *Program {
	p := Demo()
	c := p.Class(Calc)
	ccreate := c.Pool.AddMethodref(Inc, "create", FactoryDesc)
	private := c.Pool.AddMethodref(Calc, "twicePrivate", TwiceDesc)
	c.Method(classfile.AccPublic, "viaPrivate", "()I", 3, 1, Code(
		0x2A,          // aload_0
		0xB8, ccreate, // invokestatic Inc.create
		0x10, 40, // bipush 40
		0xB7, private, // invokespecial Calc.twicePrivate
		0xAC, // ireturn
	))

	m := p.Main()
	calc := m.Pool.AddClass(Calc)
	calcInit := m.Pool.AddMethodref(Calc, "<init>", "()V")
	create := m.Pool.AddMethodref(Inc, "create", FactoryDesc)
	twice := m.Pool.AddMethodref(Calc, "twice", TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "virtualCall", "()I", 4, 0, Code(
		0xBB, calc, // new Calc
		0x59,           // dup
		0xB7, calcInit, // invokespecial Calc.<init>
		0xB8, create, // invokestatic Inc.create
		0x10, 40, // bipush 40
		0xB6, twice, // invokevirtual Calc.twice
		0xAC, // ireturn
	))
	via := m.Pool.AddMethodref(Calc, "viaPrivate", "()I")
	m.Method(classfile.AccPublic|classfile.AccStatic, "privateCall", "()I", 2, 0, Code(
		0xBB, calc, // new Calc
		0x59,           // dup
		0xB7, calcInit, // invokespecial Calc.<init>
		0xB6, via, // invokevirtual Calc.viaPrivate
		0xAC, // ireturn
	))
	dbl := m.Pool.AddMethodref(Dbl, "create", FactoryDesc)
	forward := m.Pool.AddMethodref(Util, "forward", TwiceDesc)
	m.Method(classfile.AccPublic|classfile.AccStatic, "forwarded", "()I", 2, 0, Code(
		0xB8, dbl, // invokestatic Dbl.create
		0x10, 40, // bipush 40
		0xB8, forward, // invokestatic Util.forward
		0xAC, // ireturn
	))
	return p
}
