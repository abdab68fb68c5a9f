// Package lambdalocator finds static lambdas: functional interface values
// obtained from a capture-free static factory of a program class.
package lambdalocator

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
)

// Key identifies a lambda creation site.
type Key struct {
	ClassName  string
	MethodName string
	MethodDesc string
	Offset     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s%s@%d", k.ClassName, k.MethodName, k.MethodDesc, k.Offset)
}

func (k Key) compare(o Key) int {
	return cmp.Or(
		cmp.Compare(k.ClassName, o.ClassName),
		cmp.Compare(k.MethodName, o.MethodName),
		cmp.Compare(k.MethodDesc, o.MethodDesc),
		cmp.Compare(k.Offset, o.Offset),
	)
}

// Lambda is one creation site of a static lambda: an invokestatic of the
// factory at Offset in Method of Class.
type Lambda struct {
	Class  *classfile.ClassFile
	Method *classfile.MethodInfo
	Offset int

	// Factory is the invoked factory method.
	Factory classfile.MethodRefInfo
	// Interface is the functional interface the factory returns, and
	// SAMName/SAMDescriptor its single abstract method.
	Interface     string
	SAMName       string
	SAMDescriptor string

	LambdaClass *classfile.ClassFile
	ImplMethod  *classfile.MethodInfo
}

// Code returns the code body the lambda is created in.
func (l Lambda) Code() *classfile.CodeAttribute { return l.Method.Code }

func (l Lambda) Key() Key {
	return Key{ClassName: l.Class.Name(), MethodName: l.Method.Name, MethodDesc: l.Method.Descriptor, Offset: l.Offset}
}

func (l Lambda) String() string {
	return l.Key().String() + " -> " + l.LambdaClass.Name() + "." + l.ImplMethod.Name + l.ImplMethod.Descriptor
}

// Locator holds the static lambdas found in a program class pool.
type Locator struct {
	lambdas []Lambda
	byKey   map[Key]Lambda
}

// New scans the program classes accepted by filter for static lambda
// creation sites. The pool must be initialized. An empty filter accepts
// every class.
func New(program *classpool.ClassPool, filter string) (*Locator, error) {
	nf, err := classpool.ParseNameFilter(filter)
	if err != nil {
		return nil, err
	}
	l := &Locator{byKey: make(map[Key]Lambda)}
	factories := make(map[string]*factory)

	for _, cf := range program.Classes() {
		if !nf.Accepts(cf.Name()) {
			continue
		}
		for _, m := range cf.Methods {
			if m.Code == nil {
				continue
			}
			insns, err := bytecode.DecodeAll(m.Code.Code)
			if err != nil {
				return nil, fmt.Errorf("locating lambdas in %s.%s%s: %w", cf.Name(), m.Name, m.Descriptor, err)
			}
			for _, in := range insns {
				if in.Opcode != bytecode.OpInvokestatic {
					continue
				}
				ref, err := classfile.ResolveMethodref(cf.ConstantPool, uint16(in.Index))
				if err != nil {
					continue
				}
				key := ref.String()
				f, seen := factories[key]
				if !seen {
					f = staticFactory(program, *ref)
					factories[key] = f
				}
				if f == nil {
					continue
				}
				lambda := Lambda{
					Class:         cf,
					Method:        m,
					Offset:        in.Offset,
					Factory:       *ref,
					Interface:     f.iface,
					SAMName:       f.sam.Name,
					SAMDescriptor: f.sam.Descriptor,
					LambdaClass:   f.class,
					ImplMethod:    f.impl,
				}
				l.lambdas = append(l.lambdas, lambda)
				l.byKey[lambda.Key()] = lambda
			}
		}
	}
	slices.SortFunc(l.lambdas, func(a, b Lambda) int { return a.Key().compare(b.Key()) })
	return l, nil
}

// StaticLambdas returns the lambdas in creation site order.
func (l *Locator) StaticLambdas() []Lambda {
	return slices.Clone(l.lambdas)
}

// StaticLambdaMap returns the lambdas keyed by creation site.
func (l *Locator) StaticLambdaMap() map[Key]Lambda {
	out := make(map[Key]Lambda, len(l.byKey))
	for k, v := range l.byKey {
		out[k] = v
	}
	return out
}

type factory struct {
	class *classfile.ClassFile
	iface string
	sam   *classfile.MethodInfo
	impl  *classfile.MethodInfo
}

// staticFactory checks whether ref names a zero-argument static method of a
// program class C returning a functional interface I, where C is a stateless
// direct subclass of Object implementing I with a code body. The factory must
// return a fresh C or a final singleton of C, and constructing C must have no
// effect besides the allocation.
func staticFactory(program *classpool.ClassPool, ref classfile.MethodRefInfo) *factory {
	params, ret, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil || len(params) != 0 {
		return nil
	}
	iface := classfile.ClassTypeName(ret)
	lc := program.Get(ref.ClassName)
	if iface == "" || lc == nil || lc.IsInterface() || lc.SuperClassName() != "java/lang/Object" {
		return nil
	}
	fm := lc.FindMethod(ref.MethodName, ref.Descriptor)
	if fm == nil || !fm.IsStatic() || fm.Code == nil {
		return nil
	}
	for _, f := range lc.Fields {
		if !f.IsStatic() {
			return nil
		}
	}
	if !trivialConstructor(lc) || !returnsInstance(lc, fm) {
		return nil
	}
	if !program.IsInterface(iface) || !program.IsSubtype(ref.ClassName, iface) {
		return nil
	}
	sam := SingleAbstractMethod(program, iface)
	if sam == nil {
		return nil
	}
	impl := lc.FindMethod(sam.Name, sam.Descriptor)
	if impl == nil || impl.IsStatic() || impl.IsAbstract() || impl.Code == nil {
		return nil
	}
	return &factory{class: lc, iface: iface, sam: sam, impl: impl}
}

// trivialConstructor reports whether c.<init>()V only calls Object.<init>.
func trivialConstructor(c *classfile.ClassFile) bool {
	init := c.FindMethod("<init>", "()V")
	if init == nil || init.Code == nil {
		return false
	}
	insns, err := bytecode.DecodeAll(init.Code.Code)
	if err != nil || len(insns) != 3 {
		return false
	}
	return insns[0].Opcode == bytecode.OpAload && insns[0].Index == 0 &&
		invokesInit(c, insns[1], "java/lang/Object") &&
		insns[2].Opcode == bytecode.OpReturn
}

// returnsInstance reports whether fm is either
//
//	new C; dup; invokespecial C.<init>()V; areturn
//
// or a getstatic of a static final field of C followed by areturn. C may
// only have a <clinit> that stores a new C into that field.
func returnsInstance(c *classfile.ClassFile, fm *classfile.MethodInfo) bool {
	insns, err := bytecode.DecodeAll(fm.Code.Code)
	if err != nil {
		return false
	}
	singleton := ""
	switch {
	case len(insns) == 4 && allocates(c, insns[:3]) && insns[3].Opcode == bytecode.OpAreturn:
	case len(insns) == 2 && insns[0].Opcode == bytecode.OpGetstatic && insns[1].Opcode == bytecode.OpAreturn:
		singleton = ownField(c, insns[0])
		if singleton == "" {
			return false
		}
	default:
		return false
	}

	clinit := c.FindMethod("<clinit>", "()V")
	if clinit == nil {
		return singleton == ""
	}
	if clinit.Code == nil {
		return false
	}
	init, err := bytecode.DecodeAll(clinit.Code.Code)
	if err != nil || len(init) != 5 || !allocates(c, init[:3]) ||
		init[3].Opcode != bytecode.OpPutstatic || init[4].Opcode != bytecode.OpReturn {
		return false
	}
	stored := ownField(c, init[3])
	return stored != "" && (singleton == "" || stored == singleton)
}

// allocates reports whether insns are new C; dup; invokespecial C.<init>()V.
func allocates(c *classfile.ClassFile, insns []bytecode.InstructionAtOffset) bool {
	if insns[0].Opcode != bytecode.OpNew || insns[1].Opcode != bytecode.OpDup {
		return false
	}
	name, err := classfile.GetClassName(c.ConstantPool, uint16(insns[0].Index))
	return err == nil && name == c.Name() && invokesInit(c, insns[2], c.Name())
}

func invokesInit(c *classfile.ClassFile, in bytecode.InstructionAtOffset, owner string) bool {
	if in.Opcode != bytecode.OpInvokespecial {
		return false
	}
	ref, err := classfile.ResolveMethodref(c.ConstantPool, uint16(in.Index))
	return err == nil && ref.ClassName == owner && ref.MethodName == "<init>" && ref.Descriptor == "()V"
}

// ownField returns the name of the static final field of c that the
// getstatic or putstatic in accesses, or "".
func ownField(c *classfile.ClassFile, in bytecode.InstructionAtOffset) string {
	ref, err := classfile.ResolveFieldref(c.ConstantPool, uint16(in.Index))
	if err != nil || ref.ClassName != c.Name() {
		return ""
	}
	f := c.FindField(ref.FieldName, ref.Descriptor)
	if f == nil || !f.IsStatic() || !f.IsFinal() {
		return ""
	}
	return f.Name
}

// objectMethods are public methods of java/lang/Object; an interface
// redeclaring them abstractly does not add to its functional method count.
var objectMethods = map[string]bool{
	"equals(Ljava/lang/Object;)Z":  true,
	"hashCode()I":                  true,
	"toString()Ljava/lang/String;": true,
}

// SingleAbstractMethod returns the only abstract method of a functional
// interface, looking through its super interfaces, or nil when the interface
// is unknown or does not have exactly one.
func SingleAbstractMethod(cp *classpool.ClassPool, iface string) *classfile.MethodInfo {
	var sam *classfile.MethodInfo
	defaults := map[string]bool{}
	for _, name := range append([]string{iface}, cp.SuperInterfaces(iface)...) {
		cf := cp.Lookup(name)
		if cf == nil {
			return nil
		}
		for _, m := range cf.Methods {
			sig := m.Name + m.Descriptor
			if m.IsStatic() || objectMethods[sig] {
				continue
			}
			if !m.IsAbstract() {
				defaults[sig] = true
				continue
			}
			if defaults[sig] {
				continue
			}
			if sam != nil && sam.Name+sam.Descriptor != sig {
				return nil
			}
			sam = m
		}
	}
	return sam
}
