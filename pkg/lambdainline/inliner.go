package lambdainline

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
	"github.com/daimatz/gojopt/pkg/lambdainline/lambdalocator"
)

// SpecializedMethod is a copy of a consuming method with one lambda inlined.
// It lives in Class next to Original, takes the parameters of Original
// except the lambda and calls Impl's body wherever Original called the
// functional interface method on the lambda.
type SpecializedMethod struct {
	Class    *classfile.ClassFile
	Method   *classfile.MethodInfo
	Original *classfile.MethodInfo
	Impl     *classfile.MethodInfo
	// ParamIndex is the parameter of Original that was dropped.
	ParamIndex int
}

// Inliner builds specialized methods for usage sites. Each (consuming
// method, lambda implementation) pair is specialized at most once.
type Inliner struct {
	program *classpool.ClassPool
	library *classpool.ClassPool
	policy  Policy
	logger  *zap.Logger

	specialized map[specKey]*SpecializedMethod
}

type specKey struct {
	class, method, lambdaClass, impl string
}

// NewInliner returns an inliner adding specialized methods to the program
// classes. A nil policy approves every site BasePolicy approves.
func NewInliner(program, library *classpool.ClassPool, policy Policy, logger *zap.Logger) *Inliner {
	logger = nilSafe(logger)
	if policy == nil {
		policy = BasePolicy{Logger: logger}
	}
	return &Inliner{
		program:     program,
		library:     library,
		policy:      policy,
		logger:      logger,
		specialized: make(map[specKey]*SpecializedMethod),
	}
}

// Inline returns the consuming method of site specialized for the site's
// lambda, building it on first use. Sites that cannot be inlined return an
// error wrapping ErrUnsupportedInlineTarget or ErrPolicyDeclined; the
// program is left unchanged then.
func (in *Inliner) Inline(site UsageSite) (*SpecializedMethod, error) {
	if !site.IsCall() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInlineTarget, site)
	}
	c, t, l := site.ConsumingClass, site.ConsumingMethod, site.Lambda
	ok, err := in.policy.ShouldInline(c, t, l.LambdaClass, l.ImplMethod)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s into %s", ErrPolicyDeclined, describe(l.LambdaClass, l.ImplMethod), describe(c, t))
	}
	if err := in.checkTarget(site); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnsupportedInlineTarget, describe(c, t), err)
	}

	key := specKey{c.Name(), t.Name + t.Descriptor, l.LambdaClass.Name(), l.ImplMethod.Name + l.ImplMethod.Descriptor}
	if sm, ok := in.specialized[key]; ok {
		return sm, nil
	}
	sm, err := in.specialize(c, t, site.ParamIndex, l)
	if err != nil {
		return nil, err
	}
	in.specialized[key] = sm
	in.logger.Debug("specialized method",
		zap.String("method", describe(c, t)),
		zap.String("impl", describe(l.LambdaClass, l.ImplMethod)),
		zap.String("specialized", describe(c, sm.Method)))
	return sm, nil
}

// checkTarget checks that the specialized method can be called from the
// call site in place of the consuming method.
func (in *Inliner) checkTarget(site UsageSite) error {
	c, t := site.ConsumingClass, site.ConsumingMethod
	switch {
	case !in.program.Contains(c.Name()):
		return fmt.Errorf("declared by a library class")
	case c.IsInterface():
		return fmt.Errorf("declared by an interface")
	case strings.HasPrefix(t.Name, "<"):
		return fmt.Errorf("initializers are not specialized")
	case in.program.IsOverridden(c.Name(), t):
		return fmt.Errorf("overridden in a subclass")
	}
	op, err := callOpcode(site)
	if err != nil {
		return err
	}
	if op == bytecode.OpInvokespecial && !t.IsPrivate() {
		return fmt.Errorf("called through invokespecial")
	}
	if t.IsPrivate() && site.CallClass != c {
		return fmt.Errorf("private method called from %s", site.CallClass.Name())
	}
	return nil
}

func callOpcode(site UsageSite) (byte, error) {
	ins, _, err := bytecode.Decode(site.CallCode.Code, site.CallOffset)
	if err != nil {
		return 0, err
	}
	return ins.Opcode, nil
}

// specialize copies t with parameter p dropped and the lambda's
// implementation inlined at every call on it.
func (in *Inliner) specialize(c *classfile.ClassFile, t *classfile.MethodInfo, p int, l lambdalocator.Lambda) (*SpecializedMethod, error) {
	unsupported := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s into %s: %s", ErrUnsupportedInlineTarget,
			describe(l.LambdaClass, l.ImplMethod), describe(c, t), fmt.Sprintf(format, args...))
	}

	params, ret, err := classfile.ParseMethodDescriptor(t.Descriptor)
	if err != nil {
		return nil, err
	}
	if p < 0 || p >= len(params) {
		return nil, unsupported("no parameter %d", p)
	}
	slot := 0
	if !t.IsStatic() {
		slot = 1
	}
	for _, pt := range params[:p] {
		slot += classfile.SlotSize(pt)
	}

	impl := l.ImplMethod
	if reason := in.checkImpl(c, l); reason != "" {
		return nil, unsupported("%s", reason)
	}
	calls, deleted, reason := in.lambdaCalls(c, t, p, slot, l)
	if reason != "" {
		return nil, unsupported("%s", reason)
	}

	code := t.Code.Clone()
	base := int(t.Code.MaxLocals) - 1
	cpe := classfile.NewConstantPoolEditor(c)
	frag, reason, err := in.fragment(cpe, l, base)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, unsupported("%s", reason)
	}

	insns, err := bytecode.DecodeAll(code.Code)
	if err != nil {
		return nil, err
	}
	editor := bytecode.NewCodeEditor(len(code.Code))
	for _, ins := range insns {
		if ins.IsLocalAccess() && ins.Index > slot {
			shifted := ins.Instruction
			shifted.Index--
			editor.ReplaceInstruction(ins.Offset, shifted)
		}
	}
	for offset := range deleted {
		editor.DeleteInstruction(offset)
	}
	for _, offset := range calls {
		editor.ReplaceWithFragment(offset, frag)
	}
	if err := cpe.Err(); err != nil {
		return nil, err
	}
	if _, err := editor.Commit(code); err != nil {
		return nil, fmt.Errorf("specializing %s: %w", describe(c, t), err)
	}
	code.MaxLocals = uint16(base + int(impl.Code.MaxLocals))
	code.MaxStack = t.Code.MaxStack + impl.Code.MaxStack

	var attrs []classfile.AttributeInfo
	for _, a := range t.Attributes {
		if a.Name == "Exceptions" {
			attrs = append(attrs, a)
		}
	}
	m := &classfile.MethodInfo{
		AccessFlags: t.AccessFlags&^(classfile.AccBridge|classfile.AccVarargs) | classfile.AccSynthetic,
		Name:        specializedName(c, t.Name, l.LambdaClass.Name()),
		Descriptor:  classfile.MethodDescriptor(append(params[:p:p], params[p+1:]...), ret),
		Attributes:  attrs,
		Code:        code,
	}
	c.AddMethod(m)
	return &SpecializedMethod{Class: c, Method: m, Original: t, Impl: impl, ParamIndex: p}, nil
}

// specializedName returns a method name not yet taken in c.
func specializedName(c *classfile.ClassFile, method, lambdaClass string) string {
	simple := lambdaClass[strings.LastIndexByte(lambdaClass, '/')+1:]
	name := method + "$inlined$" + simple
	for n := 2; c.FindMethodByName(name) != nil; n++ {
		name = method + "$inlined$" + simple + "$" + strconv.Itoa(n)
	}
	return name
}

// lambdaCalls finds the calls of the functional interface method on
// parameter p of t, held in local slot. It returns the offsets of the calls
// and of the instructions loading the receiver for them, or a reason why
// the parameter is used in some other way.
func (in *Inliner) lambdaCalls(c *classfile.ClassFile, t *classfile.MethodInfo, p, slot int, l lambdalocator.Lambda) ([]int, map[int]bool, string) {
	a, err := analyze(c, t, nil)
	if err != nil {
		return nil, nil, err.Error()
	}
	origin := paramOrigin(p)
	evs := a.eventsOf(origin)
	if len(evs) == 0 {
		return nil, nil, "the lambda parameter is never called"
	}

	var calls []int
	deleted := make(map[int]bool)
	var traces []SourceTrace
	for _, ev := range evs {
		if ev.kind != eventReceiver || ev.at.Opcode != bytecode.OpInvokeinterface {
			return nil, nil, "the lambda parameter is used other than as a receiver: " + ev.reason
		}
		if ev.ref.MethodName != l.SAMName || ev.ref.Descriptor != l.SAMDescriptor || !in.program.IsSubtype(l.Interface, ev.ref.ClassName) {
			return nil, nil, "the lambda parameter receives a call of " + ev.ref.String()
		}
		if ev.value.forked || len(ev.value.origins) != 1 {
			return nil, nil, "the receiver at " + ev.at.String() + " is not only the lambda parameter"
		}
		tr := ev.value.trace
		switch {
		case len(tr) == 1 && tr[0].Opcode == bytecode.OpAload && tr[0].Index == slot:
		case len(tr) == 2 && tr[0].Opcode == bytecode.OpCheckcast && tr[1].Opcode == bytecode.OpAload && tr[1].Index == slot:
		default:
			return nil, nil, "the receiver at " + ev.at.String() + " is not loaded directly"
		}
		for _, ti := range tr {
			deleted[ti.Offset] = true
		}
		traces = append(traces, tr)
		calls = append(calls, ev.at.Offset)
	}
	if rest := a.uncovered(origin, traces...); len(rest) > 0 {
		return nil, nil, "the lambda parameter is moved at " + rest.String()
	}
	for _, ins := range a.insns {
		if !ins.IsLocalAccess() || deleted[ins.Offset] {
			continue
		}
		wideBelow := ins.IsStore() && ins.LocalKind().Size() == 2 && ins.Index == slot-1
		if ins.Index == slot || wideBelow {
			return nil, nil, "the lambda parameter slot is accessed at " + ins.String()
		}
	}

	if len(l.ImplMethod.Code.ExceptionHandlers) > 0 {
		depths, err := bytecode.StackDepths(t.Code, c.ConstantPool)
		if err != nil {
			return nil, nil, err.Error()
		}
		argSlots, err := classfile.ParameterSlots(l.SAMDescriptor)
		if err != nil {
			return nil, nil, err.Error()
		}
		for _, off := range calls {
			if depths[off]-1-argSlots != 0 {
				return nil, nil, fmt.Sprintf("the operand stack is not empty at the call at %d and the lambda catches exceptions", off)
			}
		}
	}
	return calls, deleted, ""
}

// fragment translates the lambda's implementation into code for c that
// takes the functional interface arguments from the stack and leaves the
// result there. Implementation local j becomes local base+j.
func (in *Inliner) fragment(cpe *classfile.ConstantPoolEditor, l lambdalocator.Lambda, base int) (*bytecode.Fragment, string, error) {
	lc, impl := l.LambdaClass, l.ImplMethod
	samParams, _, err := classfile.ParseMethodDescriptor(l.SAMDescriptor)
	if err != nil {
		return nil, "", err
	}
	insns, err := bytecode.DecodeAll(impl.Code.Code)
	if err != nil {
		return nil, "", err
	}

	frag := &bytecode.Fragment{}
	slots := make([]int, len(samParams))
	next := 1
	for i, pt := range samParams {
		slots[i] = next
		next += classfile.SlotSize(pt)
	}
	for i := len(samParams) - 1; i >= 0; i-- {
		frag.Append(bytecode.Instruction{Opcode: bytecode.StoreOpcode(bytecode.KindOf(samParams[i])), Index: base + slots[i]})
	}

	last := len(insns) - 1
	dropLast := last >= 0 && insns[last].IsReturn()
	index := make(map[int]int, len(insns)+1)
	for i, ins := range insns {
		index[ins.Offset] = frag.Len() + i
	}
	target := func(offset int) int {
		if dropLast && offset == insns[last].Offset {
			return bytecode.FragmentEnd
		}
		if offset == len(impl.Code.Code) {
			return bytecode.FragmentEnd
		}
		return index[offset]
	}

	for i, ins := range insns {
		out := ins.Instruction
		switch {
		case i == last && dropLast:
			continue
		case out.IsReturn():
			frag.Append(bytecode.Instruction{Opcode: bytecode.OpGoto}, bytecode.FragmentEnd)
			continue
		case out.IsLocalAccess():
			out.Index += base
		case bytecode.HasPoolIndex(out.Opcode):
			idx, err := cpe.CloneConstant(lc.ConstantPool, uint16(out.Index))
			if err != nil {
				return nil, "", err
			}
			out.Index = int(idx)
		}
		var targets []int
		for _, t := range ins.Targets(ins.Offset) {
			targets = append(targets, target(t))
		}
		frag.Append(out, targets...)
	}

	for _, h := range impl.Code.ExceptionHandlers {
		handler := target(int(h.HandlerPC))
		if handler == bytecode.FragmentEnd {
			return nil, "an exception handler of the implementation is its final return", nil
		}
		end := target(int(h.EndPC))
		if end == bytecode.FragmentEnd {
			end = frag.Len()
		}
		var catchType uint16
		if h.CatchType != 0 {
			idx, err := cpe.CloneConstant(lc.ConstantPool, h.CatchType)
			if err != nil {
				return nil, "", err
			}
			catchType = idx
		}
		frag.AddHandler(target(int(h.StartPC)), end, handler, catchType)
	}
	return frag, "", nil
}

// checkImpl checks that the lambda's implementation body can run as part
// of a method of c. It returns the reason it cannot, or "".
func (in *Inliner) checkImpl(c *classfile.ClassFile, l lambdalocator.Lambda) string {
	lc, impl := l.LambdaClass, l.ImplMethod
	if impl.Code == nil {
		return "the implementation has no code body"
	}
	if impl.AccessFlags&classfile.AccSynchronized != 0 {
		return "the implementation is synchronized"
	}
	insns, err := bytecode.DecodeAll(impl.Code.Code)
	if err != nil {
		return err.Error()
	}
	pool := lc.ConstantPool
	for _, ins := range insns {
		switch op := ins.Opcode; {
		case op == bytecode.OpInvokedynamic || op == bytecode.OpJsr || op == bytecode.OpRet:
			return bytecode.Mnemonic(op) + " in the implementation"
		case ins.IsLocalAccess() && ins.Index == 0:
			return "the implementation uses this"
		case op == bytecode.OpGetstatic || op == bytecode.OpPutstatic || op == bytecode.OpGetfield || op == bytecode.OpPutfield:
			ref, err := classfile.ResolveFieldref(pool, uint16(ins.Index))
			if err != nil {
				return err.Error()
			}
			if !in.fieldAccessible(c, ref) {
				return "field " + ref.ClassName + "." + ref.FieldName + " is not accessible"
			}
		case ins.IsInvoke():
			ref, err := classfile.ResolveAnyMethodref(pool, uint16(ins.Index))
			if err != nil {
				return err.Error()
			}
			if op == bytecode.OpInvokespecial && ref.MethodName != "<init>" {
				return "invokespecial of " + ref.String()
			}
			if !in.methodAccessible(c, ref) {
				return "method " + ref.String() + " is not accessible"
			}
		case op == bytecode.OpLdc || op == bytecode.OpLdcW || op == bytecode.OpLdc2W:
			if ins.Index <= 0 || ins.Index >= len(pool) {
				return fmt.Sprintf("constant #%d out of range", ins.Index)
			}
			switch k := pool[ins.Index].(type) {
			case *classfile.ConstantMethodHandle, *classfile.ConstantMethodType, *classfile.ConstantDynamic:
				return "ldc of a method handle or method type"
			case *classfile.ConstantClass:
				name, err := classfile.GetUtf8(pool, k.NameIndex)
				if err != nil {
					return err.Error()
				}
				if !in.classAccessible(c, name) {
					return "class " + name + " is not accessible"
				}
			}
		case bytecode.HasPoolIndex(op):
			name, err := classfile.GetClassName(pool, uint16(ins.Index))
			if err != nil {
				return err.Error()
			}
			if !in.classAccessible(c, name) {
				return "class " + name + " is not accessible"
			}
		}
	}

	depths, err := bytecode.StackDepths(impl.Code, pool)
	if err != nil {
		return err.Error()
	}
	_, ret, err := classfile.ParseMethodDescriptor(impl.Descriptor)
	if err != nil {
		return err.Error()
	}
	for _, ins := range insns {
		d, reached := depths[ins.Offset]
		if ins.IsReturn() && reached && d != bytecode.KindOf(ret).Size() {
			return fmt.Sprintf("the operand stack holds %d slots at %s", d, ins)
		}
	}
	return ""
}

func (in *Inliner) classAccessible(c *classfile.ClassFile, name string) bool {
	name = strings.TrimLeft(name, "[")
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") {
		name = name[1 : len(name)-1]
	} else if len(name) == 1 {
		return true
	}
	cf := in.program.Lookup(name)
	if cf == nil {
		return true
	}
	return cf.AccessFlags&classfile.AccPublic != 0 || samePackage(name, c.Name())
}

func (in *Inliner) memberAccessible(c *classfile.ClassFile, owner string, flags uint16) bool {
	switch {
	case !in.classAccessible(c, owner):
		return false
	case flags&classfile.AccPublic != 0:
		return true
	case flags&classfile.AccPrivate != 0:
		return owner == c.Name()
	}
	return samePackage(owner, c.Name())
}

func (in *Inliner) methodAccessible(c *classfile.ClassFile, ref *classfile.MethodRefInfo) bool {
	owner, m, ok := in.program.ResolveMethod(ref.ClassName, ref.MethodName, ref.Descriptor)
	if !ok {
		return in.classAccessible(c, ref.ClassName)
	}
	return in.classAccessible(c, ref.ClassName) && in.memberAccessible(c, owner.Name(), m.AccessFlags)
}

func (in *Inliner) fieldAccessible(c *classfile.ClassFile, ref *classfile.FieldRefInfo) bool {
	for name := ref.ClassName; name != ""; {
		cf := in.program.Lookup(name)
		if cf == nil {
			break
		}
		if f := cf.FindField(ref.FieldName, ref.Descriptor); f != nil {
			return in.classAccessible(c, ref.ClassName) && in.memberAccessible(c, name, f.AccessFlags)
		}
		name = cf.SuperClassName()
	}
	return in.classAccessible(c, ref.ClassName)
}

func samePackage(a, b string) bool {
	pkg := func(s string) string {
		if i := strings.LastIndexByte(s, '/'); i >= 0 {
			return s[:i]
		}
		return ""
	}
	return pkg(a) == pkg(b)
}
