package lambdainline

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/lambdainline/lambdalocator"
)

// UnknownOrigin stands for a value that was neither created at a known
// lambda creation site nor received as a parameter.
const UnknownOrigin = "?"

const paramOriginPrefix = "param#"

func paramOrigin(i int) string { return paramOriginPrefix + strconv.Itoa(i) }

func parseParamOrigin(o string) (int, bool) {
	s, ok := strings.CutPrefix(o, paramOriginPrefix)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(s)
	return i, err == nil
}

// maxTraceSteps bounds the fixpoint iteration of one method.
const maxTraceSteps = 1 << 20

// SourceTrace lists the instructions that moved a value, most recent first:
// the instruction that put it on the stack for its consumer comes first,
// its creation last.
type SourceTrace []bytecode.InstructionAtOffset

// Contains reports whether the trace holds the instruction at offset.
func (t SourceTrace) Contains(offset int) bool {
	return slices.ContainsFunc(t, func(in bytecode.InstructionAtOffset) bool { return in.Offset == offset })
}

// Offsets returns the instruction offsets of the trace in trace order.
func (t SourceTrace) Offsets() []int {
	out := make([]int, len(t))
	for i, in := range t {
		out[i] = in.Offset
	}
	return out
}

func (t SourceTrace) String() string {
	parts := make([]string, len(t))
	for i, in := range t {
		parts[i] = in.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// value is the abstract content of one stack or local slot. The zero value
// is the unknown value.
type value struct {
	// origins is sorted and unique; empty means {UnknownOrigin}.
	origins []string
	trace   SourceTrace
	// forked is set when the value reaches a point along paths with
	// different traces; trace then holds their union.
	forked bool
}

func (v value) originSet() []string {
	if len(v.origins) == 0 {
		return []string{UnknownOrigin}
	}
	return v.origins
}

// tracked reports whether the value may carry anything but an unknown value.
func (v value) tracked() bool {
	for _, o := range v.origins {
		if o != UnknownOrigin {
			return true
		}
	}
	return false
}

func (v value) has(origin string) bool {
	_, found := slices.BinarySearch(v.origins, origin)
	return found
}

// through returns the value after it was moved by in.
func (v value) through(in bytecode.InstructionAtOffset) value {
	if !v.tracked() {
		return value{}
	}
	if v.trace.Contains(in.Offset) {
		v.forked = true
		return v
	}
	v.trace = append(SourceTrace{in}, v.trace...)
	return v
}

func (v value) equal(o value) bool {
	return v.forked == o.forked &&
		slices.Equal(v.originSet(), o.originSet()) &&
		slices.Equal(v.trace.Offsets(), o.trace.Offsets())
}

func mergeValues(a, b value) value {
	origins := unionOrigins(a.originSet(), b.originSet())
	if len(origins) == 1 && origins[0] == UnknownOrigin {
		return value{}
	}
	switch {
	case !a.tracked():
		return value{origins: origins, trace: b.trace, forked: b.forked}
	case !b.tracked():
		return value{origins: origins, trace: a.trace, forked: a.forked}
	}
	out := value{origins: origins, trace: a.trace, forked: a.forked || b.forked}
	if !slices.Equal(a.trace.Offsets(), b.trace.Offsets()) {
		out.forked = true
		out.trace = slices.Clone(a.trace)
		for _, in := range b.trace {
			if !out.trace.Contains(in.Offset) {
				out.trace = append(out.trace, in)
			}
		}
	}
	return out
}

func unionOrigins(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

type frame struct {
	locals []value
	stack  []value
}

func (f *frame) clone() *frame {
	return &frame{locals: slices.Clone(f.locals), stack: slices.Clone(f.stack)}
}

func (f *frame) local(i int) value {
	if i < 0 || i >= len(f.locals) {
		return value{}
	}
	return f.locals[i]
}

func (f *frame) setLocal(i int, v value) {
	for len(f.locals) <= i {
		f.locals = append(f.locals, value{})
	}
	f.locals[i] = v
}

func (f *frame) push(v value) { f.stack = append(f.stack, v) }

func (f *frame) pushUnknown(n int) {
	for range n {
		f.push(value{})
	}
}

func (f *frame) pop() (value, error) {
	if len(f.stack) == 0 {
		return value{}, fmt.Errorf("operand stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

// argument returns the value passed as parameter i of a call with the given
// parameter types, with the frame positioned before the call.
func (f *frame) argument(params []string, i int) (value, bool) {
	above := 0
	for _, p := range params[i+1:] {
		above += classfile.SlotSize(p)
	}
	idx := len(f.stack) - 1 - above - (classfile.SlotSize(params[i]) - 1)
	if idx < 0 || idx >= len(f.stack) {
		return value{}, false
	}
	return f.stack[idx], true
}

// merge folds o into f and reports whether f changed.
func (f *frame) merge(o *frame) (bool, error) {
	if len(f.stack) != len(o.stack) {
		return false, fmt.Errorf("stack heights %d and %d meet", len(f.stack), len(o.stack))
	}
	changed := false
	for i := range f.stack {
		m := mergeValues(f.stack[i], o.stack[i])
		if !m.equal(f.stack[i]) {
			f.stack[i], changed = m, true
		}
	}
	for i := range max(len(f.locals), len(o.locals)) {
		cur := f.local(i)
		m := mergeValues(cur, o.local(i))
		if !m.equal(cur) {
			f.setLocal(i, m)
			changed = true
		}
	}
	return changed, nil
}

type eventKind int

const (
	// eventArgument: the value is passed as argument arg of ref.
	eventArgument eventKind = iota
	// eventReceiver: the value is the receiver of ref.
	eventReceiver
	// eventEscape: the value is consumed by anything else.
	eventEscape
)

// event is one consumption of a tracked value.
type event struct {
	kind   eventKind
	at     bytecode.InstructionAtOffset
	ref    *classfile.MethodRefInfo
	arg    int
	value  value
	reason string
}

type produced struct {
	at    bytecode.InstructionAtOffset
	value value
}

// methodAnalysis is the result of tracing the values of one method body:
// the frame before every reachable instruction, every consumption of a
// tracked value and every instruction that created or moved one.
type methodAnalysis struct {
	class  *classfile.ClassFile
	method *classfile.MethodInfo
	insns  []bytecode.InstructionAtOffset
	index  map[int]int
	states map[int]*frame

	events   []event
	produced []produced
}

// analyze traces a method body forward from its entry and its exception
// handlers until the frames before every instruction are stable. Values
// start out as one parameter marker per reference parameter and as a lambda
// key at every creation site in lambdas.
func analyze(cf *classfile.ClassFile, m *classfile.MethodInfo, lambdas map[lambdalocator.Key]lambdalocator.Lambda) (*methodAnalysis, error) {
	if m.Code == nil {
		return nil, fmt.Errorf("%w: %s has no code body", ErrUnsupportedInlineTarget, describe(cf, m))
	}
	insns, err := bytecode.DecodeAll(m.Code.Code)
	if err != nil {
		return nil, err
	}
	a := &methodAnalysis{
		class:  cf,
		method: m,
		insns:  insns,
		index:  make(map[int]int, len(insns)),
		states: make(map[int]*frame),
	}
	for i, in := range insns {
		if in.Opcode == bytecode.OpJsr || in.Opcode == bytecode.OpRet {
			return nil, fmt.Errorf("subroutine at %d is not supported", in.Offset)
		}
		a.index[in.Offset] = i
	}
	entry, err := entryFrame(m)
	if err != nil {
		return nil, err
	}
	if len(insns) == 0 {
		return a, nil
	}

	creations := make(map[int]string)
	for key := range lambdas {
		if key.ClassName == cf.Name() && key.MethodName == m.Name && key.MethodDesc == m.Descriptor {
			creations[key.Offset] = key.String()
		}
	}

	a.states[0] = entry
	work := []int{0}
	queued := map[int]bool{0: true}
	enqueue := func(offset int, f *frame) error {
		if _, ok := a.index[offset]; !ok {
			return fmt.Errorf("branch to %d is not an instruction boundary", offset)
		}
		cur := a.states[offset]
		if cur == nil {
			a.states[offset] = f.clone()
		} else {
			changed, err := cur.merge(f)
			if err != nil {
				return fmt.Errorf("at %d: %w", offset, err)
			}
			if !changed {
				return nil
			}
		}
		if !queued[offset] {
			queued[offset] = true
			work = append(work, offset)
		}
		return nil
	}

	for steps := 0; len(work) > 0; steps++ {
		if steps > maxTraceSteps {
			return nil, fmt.Errorf("trace of %s does not converge", describe(cf, m))
		}
		offset := work[len(work)-1]
		work = work[:len(work)-1]
		queued[offset] = false

		i := a.index[offset]
		in := insns[i]
		before := a.states[offset]
		for _, h := range m.Code.ExceptionHandlers {
			if offset >= int(h.StartPC) && offset < int(h.EndPC) {
				hf := &frame{locals: slices.Clone(before.locals), stack: []value{{}}}
				if err := enqueue(int(h.HandlerPC), hf); err != nil {
					return nil, err
				}
			}
		}
		after, err := a.step(before.clone(), in, creations, false)
		if err != nil {
			return nil, fmt.Errorf("at %s: %w", in, err)
		}
		if !in.EndsBlock() {
			if i+1 >= len(insns) {
				return nil, fmt.Errorf("execution falls off the end of %s", describe(cf, m))
			}
			if err := enqueue(insns[i+1].Offset, after); err != nil {
				return nil, err
			}
		}
		for _, t := range in.Targets(offset) {
			if err := enqueue(t, after); err != nil {
				return nil, err
			}
		}
	}

	for _, in := range insns {
		if before := a.states[in.Offset]; before != nil {
			if _, err := a.step(before.clone(), in, creations, true); err != nil {
				return nil, fmt.Errorf("at %s: %w", in, err)
			}
		}
	}
	return a, nil
}

func entryFrame(m *classfile.MethodInfo) (*frame, error) {
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	f := &frame{locals: make([]value, m.Code.MaxLocals)}
	slot := 0
	if !m.IsStatic() {
		slot = 1
	}
	for i, p := range params {
		if bytecode.KindOf(p) == bytecode.KindReference {
			f.setLocal(slot, value{origins: []string{paramOrigin(i)}})
		}
		slot += classfile.SlotSize(p)
	}
	return f, nil
}

// step applies in to f. With record set, consumptions and moves of tracked
// values are appended to the analysis.
func (a *methodAnalysis) step(f *frame, in bytecode.InstructionAtOffset, creations map[int]string, record bool) (*frame, error) {
	pool := a.class.ConstantPool
	move := func(v value) value {
		v = v.through(in)
		if record && v.tracked() {
			a.produced = append(a.produced, produced{at: in, value: v})
		}
		return v
	}
	consume := func(v value, kind eventKind, ref *classfile.MethodRefInfo, arg int, reason string) {
		if record && v.tracked() {
			a.events = append(a.events, event{kind: kind, at: in, ref: ref, arg: arg, value: v, reason: reason})
		}
	}

	switch op := in.Opcode; {
	case op == bytecode.OpAload:
		f.push(move(f.local(in.Index)))

	case in.IsLoad():
		f.pushUnknown(in.LocalKind().Size())

	case op == bytecode.OpAstore:
		v, err := f.pop()
		if err != nil {
			return nil, err
		}
		f.setLocal(in.Index, move(v))

	case in.IsStore():
		size := in.LocalKind().Size()
		for range size {
			if _, err := f.pop(); err != nil {
				return nil, err
			}
		}
		for k := range size {
			f.setLocal(in.Index+k, value{})
		}

	case op == bytecode.OpDup:
		v, err := f.pop()
		if err != nil {
			return nil, err
		}
		v = move(v)
		f.push(v)
		f.push(v)

	case op == bytecode.OpCheckcast:
		v, err := f.pop()
		if err != nil {
			return nil, err
		}
		f.push(move(v))

	case op == bytecode.OpInvokestatic && creations[in.Offset] != "":
		v := value{origins: []string{creations[in.Offset]}, trace: SourceTrace{in}}
		if record {
			a.produced = append(a.produced, produced{at: in, value: v})
		}
		f.push(v)

	case op >= bytecode.OpInvokevirtual && op <= bytecode.OpInvokeinterface:
		ref, err := classfile.ResolveAnyMethodref(pool, uint16(in.Index))
		if err != nil {
			return nil, err
		}
		params, ret, err := classfile.ParseMethodDescriptor(ref.Descriptor)
		if err != nil {
			return nil, err
		}
		for i := len(params) - 1; i >= 0; i-- {
			size := classfile.SlotSize(params[i])
			for k := range size {
				v, err := f.pop()
				if err != nil {
					return nil, err
				}
				if size == 1 {
					consume(v, eventArgument, ref, i, "")
				} else if k == 0 {
					consume(v, eventEscape, ref, i, "passed in a wide parameter slot")
				}
			}
		}
		if op != bytecode.OpInvokestatic {
			v, err := f.pop()
			if err != nil {
				return nil, err
			}
			consume(v, eventReceiver, ref, -1, "used as the receiver of "+ref.String())
		}
		f.pushUnknown(classfile.SlotSize(ret))

	default:
		pops, pushes, err := bytecode.StackEffect(in.Instruction, pool)
		if err != nil {
			return nil, err
		}
		for range pops {
			v, err := f.pop()
			if err != nil {
				return nil, err
			}
			consume(v, eventEscape, nil, -1, "consumed by "+bytecode.Mnemonic(op))
		}
		f.pushUnknown(pushes)
	}
	return f, nil
}

// eventsOf returns the consumptions of values that may carry origin.
func (a *methodAnalysis) eventsOf(origin string) []event {
	var out []event
	for _, ev := range a.events {
		if ev.value.has(origin) {
			out = append(out, ev)
		}
	}
	return out
}

// uncovered returns the instructions that created or moved a value carrying
// origin without being part of any of the given traces.
func (a *methodAnalysis) uncovered(origin string, traces ...SourceTrace) SourceTrace {
	covered := make(map[int]bool)
	for _, t := range traces {
		for _, in := range t {
			covered[in.Offset] = true
		}
	}
	var out SourceTrace
	for _, p := range a.produced {
		if p.value.has(origin) && !covered[p.at.Offset] && !out.Contains(p.at.Offset) {
			out = append(out, p.at)
		}
	}
	return out
}

// onlyPassedOn reports whether every value carrying origin ends up as a
// call argument, once per call, along a single path.
func (a *methodAnalysis) onlyPassedOn(origin string) bool {
	evs := a.eventsOf(origin)
	perCall := make(map[int]int)
	traces := make([]SourceTrace, 0, len(evs))
	for _, ev := range evs {
		if ev.kind != eventArgument || ev.value.forked {
			return false
		}
		perCall[ev.at.Offset]++
		if perCall[ev.at.Offset] > 1 {
			return false
		}
		traces = append(traces, ev.value.trace)
	}
	return len(a.uncovered(origin, traces...)) == 0
}

func describe(cf *classfile.ClassFile, m *classfile.MethodInfo) string {
	class := "?"
	if cf != nil {
		class = cf.Name()
	}
	if m == nil {
		return class + ".<missing>"
	}
	return class + "." + m.Name + m.Descriptor
}
