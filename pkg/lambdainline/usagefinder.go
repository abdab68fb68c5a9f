package lambdainline

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
	"github.com/daimatz/gojopt/pkg/lambdainline/lambdalocator"
)

// maxForwardDepth bounds how many forwarding methods a lambda is followed through.
const maxForwardDepth = 8

// UsageSite is one point where a lambda value is consumed. For a call site,
// ConsumingMethod is the resolved target receiving the lambda as parameter
// ParamIndex. The call instruction lives at CallOffset in CallMethod, which
// is the method creating the lambda or a method the lambda was forwarded to.
// Any other consumption leaves ConsumingMethod nil and states Reason.
type UsageSite struct {
	Lambda lambdalocator.Lambda

	ConsumingClass  *classfile.ClassFile
	ConsumingMethod *classfile.MethodInfo
	ParamIndex      int

	CallOffset int
	CallClass  *classfile.ClassFile
	CallMethod *classfile.MethodInfo
	CallCode   *classfile.CodeAttribute

	// Trace holds the instructions in CallMethod that moved the value to
	// the consumer, most recent first.
	Trace SourceTrace
	// PossibleOrigins holds every lambda key that may reach the site, plus
	// UnknownOrigin when other values may. It always holds the lambda's key.
	PossibleOrigins []string

	Reason string
}

// IsCall reports whether the site passes the lambda to a resolved method.
func (s UsageSite) IsCall() bool { return s.ConsumingMethod != nil }

func (s UsageSite) String() string {
	where := fmt.Sprintf("%s@%d", describe(s.CallClass, s.CallMethod), s.CallOffset)
	if !s.IsCall() {
		return where + ": " + s.Reason
	}
	return fmt.Sprintf("%s: passed to %s as parameter %d", where, describe(s.ConsumingClass, s.ConsumingMethod), s.ParamIndex)
}

// UsageFinder traces static lambdas to the points where they are consumed.
// It never modifies the classes it reads.
type UsageFinder struct {
	program *classpool.ClassPool
	library *classpool.ClassPool
	lambdas map[lambdalocator.Key]lambdalocator.Lambda
	logger  *zap.Logger

	analyses     map[*classfile.MethodInfo]*methodAnalysis
	callers      map[string][]callSite
	handles      map[string]bool
	paramOrigins map[paramKey][]string
	resolving    map[paramKey]bool
}

type callSite struct {
	class  *classfile.ClassFile
	method *classfile.MethodInfo
	at     bytecode.InstructionAtOffset
	ref    *classfile.MethodRefInfo
	owner  *classfile.ClassFile
	target *classfile.MethodInfo
}

type paramKey struct {
	method *classfile.MethodInfo
	index  int
}

type traceContext struct {
	class    *classfile.ClassFile
	method   *classfile.MethodInfo
	analysis *methodAnalysis
}

// NewUsageFinder returns a finder over initialized class pools. lambdas
// holds every known creation site; values created there count as distinct
// origins.
func NewUsageFinder(program, library *classpool.ClassPool, lambdas map[lambdalocator.Key]lambdalocator.Lambda, logger *zap.Logger) *UsageFinder {
	return &UsageFinder{program: program, library: library, lambdas: lambdas, logger: nilSafe(logger)}
}

// Sites traces l and yields its usage sites. The whole trace runs before the
// first site is yielded, so the consumer may queue edits to the code while
// iterating. A method that cannot be traced yields a single error.
func (f *UsageFinder) Sites(l lambdalocator.Lambda) iter.Seq2[UsageSite, error] {
	return func(yield func(UsageSite, error) bool) {
		f.reset()
		sites, err := f.find(l)
		if err != nil {
			yield(UsageSite{Lambda: l, ParamIndex: -1}, err)
			return
		}
		for _, s := range sites {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (f *UsageFinder) reset() {
	f.analyses = make(map[*classfile.MethodInfo]*methodAnalysis)
	f.callers = nil
	f.handles = nil
	f.paramOrigins = make(map[paramKey][]string)
	f.resolving = make(map[paramKey]bool)
}

func (f *UsageFinder) analysis(cf *classfile.ClassFile, m *classfile.MethodInfo) (*methodAnalysis, error) {
	if a, ok := f.analyses[m]; ok {
		return a, nil
	}
	a, err := analyze(cf, m, f.lambdas)
	if err != nil {
		f.logger.Debug("cannot trace method", zap.String("method", describe(cf, m)), zap.Error(err))
		return nil, err
	}
	f.analyses[m] = a
	return a, nil
}

func (f *UsageFinder) find(l lambdalocator.Lambda) ([]UsageSite, error) {
	a, err := f.analysis(l.Class, l.Method)
	if err != nil {
		return nil, fmt.Errorf("tracing %s: %w", l.Key(), err)
	}
	origin := l.Key().String()
	ctx := traceContext{class: l.Class, method: l.Method, analysis: a}
	sites := f.collect(l, ctx, origin, 0, map[*classfile.MethodInfo]bool{l.Method: true})

	var traces []SourceTrace
	for _, s := range sites {
		if s.CallMethod == l.Method {
			traces = append(traces, s.Trace)
		}
	}
	if rest := a.uncovered(origin, traces...); len(rest) > 0 {
		sites = append(sites, UsageSite{
			Lambda:          l,
			ParamIndex:      -1,
			CallOffset:      rest[0].Offset,
			CallClass:       l.Class,
			CallMethod:      l.Method,
			CallCode:        l.Code(),
			Trace:           rest,
			PossibleOrigins: []string{origin},
			Reason:          "value is not consumed by a call",
		})
	}
	return sites, nil
}

// collect returns the sites of the values carrying origin in ctx.
func (f *UsageFinder) collect(l lambdalocator.Lambda, ctx traceContext, origin string, depth int, visited map[*classfile.MethodInfo]bool) []UsageSite {
	evs := ctx.analysis.eventsOf(origin)
	perCall := make(map[int]int)
	for _, ev := range evs {
		if ev.kind == eventArgument {
			perCall[ev.at.Offset]++
		}
	}

	var sites []UsageSite
	for _, ev := range evs {
		switch {
		case ev.kind != eventArgument:
			sites = append(sites, f.escape(l, ctx, ev, ev.reason))
		case perCall[ev.at.Offset] > 1:
			sites = append(sites, f.escape(l, ctx, ev, "passed more than once to "+ev.ref.String()))
		default:
			sites = append(sites, f.callSites(l, ctx, ev, depth, visited)...)
		}
	}
	return sites
}

func (f *UsageFinder) callSites(l lambdalocator.Lambda, ctx traceContext, ev event, depth int, visited map[*classfile.MethodInfo]bool) []UsageSite {
	origins := f.resolveOrigins(ctx, ev.value.originSet())
	if ev.value.forked && len(origins) == 1 {
		return []UsageSite{f.escape(l, ctx, ev, "reaches "+ev.ref.String()+" along different paths")}
	}
	params, _, err := classfile.ParseMethodDescriptor(ev.ref.Descriptor)
	if err != nil {
		return []UsageSite{f.escape(l, ctx, ev, err.Error())}
	}
	want := "L" + l.Interface + ";"
	if params[ev.arg] != want {
		return []UsageSite{f.escape(l, ctx, ev, fmt.Sprintf("passed to %s as %s", ev.ref, params[ev.arg]))}
	}
	if n := countOf(params, want); n != 1 {
		return []UsageSite{f.escape(l, ctx, ev, fmt.Sprintf("%s takes %d parameters of type %s", ev.ref, n, l.Interface))}
	}
	owner, target, ok := f.program.ResolveMethod(ev.ref.ClassName, ev.ref.MethodName, ev.ref.Descriptor)
	if !ok {
		return []UsageSite{f.escape(l, ctx, ev, "passed to unresolved "+ev.ref.String())}
	}

	if !ev.value.forked && f.forwards(owner, target, ev, depth, visited) {
		visited[target] = true
		defer delete(visited, target)
		fa := f.analyses[target]
		inner := f.collect(l, traceContext{class: owner, method: target, analysis: fa}, paramOrigin(ev.arg), depth+1, visited)
		// Callers of the forwarder still pass the lambda, so its creation stays.
		return append(inner, f.escape(l, ctx, ev, "forwarded through "+describe(owner, target)))
	}

	return []UsageSite{{
		Lambda:          l,
		ConsumingClass:  owner,
		ConsumingMethod: target,
		ParamIndex:      ev.arg,
		CallOffset:      ev.at.Offset,
		CallClass:       ctx.class,
		CallMethod:      ctx.method,
		CallCode:        ctx.method.Code,
		Trace:           ev.value.trace,
		PossibleOrigins: origins,
	}}
}

// forwards reports whether target is a program method with a statically
// known body that only passes its lambda parameter on to other calls.
func (f *UsageFinder) forwards(owner *classfile.ClassFile, target *classfile.MethodInfo, ev event, depth int, visited map[*classfile.MethodInfo]bool) bool {
	if depth >= maxForwardDepth || visited[target] || target.Code == nil || !f.program.Contains(owner.Name()) {
		return false
	}
	fixed := target.IsStatic() || target.IsPrivate() || target.IsFinal() || owner.IsFinal() ||
		ev.at.Opcode == bytecode.OpInvokespecial || !f.program.IsOverridden(owner.Name(), target)
	if !fixed || owner.IsInterface() {
		return false
	}
	a, err := f.analysis(owner, target)
	if err != nil {
		return false
	}
	return a.onlyPassedOn(paramOrigin(ev.arg))
}

func (f *UsageFinder) escape(l lambdalocator.Lambda, ctx traceContext, ev event, reason string) UsageSite {
	return UsageSite{
		Lambda:          l,
		ParamIndex:      -1,
		CallOffset:      ev.at.Offset,
		CallClass:       ctx.class,
		CallMethod:      ctx.method,
		CallCode:        ctx.method.Code,
		Trace:           ev.value.trace,
		PossibleOrigins: f.resolveOrigins(ctx, ev.value.originSet()),
		Reason:          reason,
	}
}

// resolveOrigins replaces parameter markers of ctx's method with the origins
// of the arguments its callers pass.
func (f *UsageFinder) resolveOrigins(ctx traceContext, origins []string) []string {
	var out []string
	for _, o := range origins {
		if i, ok := parseParamOrigin(o); ok {
			out = append(out, f.originsOfParam(ctx.class, ctx.method, i)...)
			continue
		}
		out = append(out, o)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// originsOfParam returns what callers of m may pass as parameter i. Methods
// without known callers, methods reachable through a method handle and
// methods a library class may call all receive unknown values.
func (f *UsageFinder) originsOfParam(cf *classfile.ClassFile, m *classfile.MethodInfo, i int) []string {
	key := paramKey{method: m, index: i}
	if out, ok := f.paramOrigins[key]; ok {
		return out
	}
	if f.resolving[key] {
		return []string{UnknownOrigin}
	}
	f.resolving[key] = true
	defer delete(f.resolving, key)
	f.indexCalls()

	out := []string{}
	if f.handles[describe(cf, m)] || f.overridesLibrary(cf, m) {
		out = append(out, UnknownOrigin)
	}
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil || i >= len(params) {
		return []string{UnknownOrigin}
	}
	found := false
	for _, cs := range f.callers[m.Name+m.Descriptor] {
		if !f.mayCall(cs, cf, m) {
			continue
		}
		found = true
		a, err := f.analysis(cs.class, cs.method)
		if err != nil {
			out = append(out, UnknownOrigin)
			continue
		}
		before := a.states[cs.at.Offset]
		if before == nil {
			continue
		}
		v, ok := before.argument(params, i)
		if !ok {
			out = append(out, UnknownOrigin)
			continue
		}
		out = append(out, f.resolveOrigins(traceContext{class: cs.class, method: cs.method, analysis: a}, v.originSet())...)
	}
	if !found {
		out = append(out, UnknownOrigin)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	f.paramOrigins[key] = out
	return out
}

// mayCall reports whether the call site may dispatch to m of cf.
func (f *UsageFinder) mayCall(cs callSite, cf *classfile.ClassFile, m *classfile.MethodInfo) bool {
	if cs.target == m {
		return true
	}
	if m.IsStatic() || m.IsPrivate() || m.Name == "<init>" {
		return false
	}
	if cs.at.Opcode != bytecode.OpInvokevirtual && cs.at.Opcode != bytecode.OpInvokeinterface {
		return false
	}
	return f.program.IsSubtype(cf.Name(), cs.owner.Name())
}

// overridesLibrary reports whether m overrides a method of a library type,
// through which library code may call it.
func (f *UsageFinder) overridesLibrary(cf *classfile.ClassFile, m *classfile.MethodInfo) bool {
	if m.IsStatic() || m.IsPrivate() || strings.HasPrefix(m.Name, "<") {
		return false
	}
	var supers []string
	for c := f.program.Lookup(cf.SuperClassName()); c != nil; c = f.program.Lookup(c.SuperClassName()) {
		supers = append(supers, c.Name())
	}
	supers = append(supers, f.program.SuperInterfaces(cf.Name())...)
	for _, s := range supers {
		if f.program.Contains(s) || f.library == nil {
			continue
		}
		if lc := f.library.Get(s); lc != nil && lc.FindMethod(m.Name, m.Descriptor) != nil {
			return true
		}
	}
	return false
}

// indexCalls records every resolvable call site and every method handle
// constant of the program.
func (f *UsageFinder) indexCalls() {
	if f.callers != nil {
		return
	}
	f.callers = make(map[string][]callSite)
	f.handles = make(map[string]bool)
	for _, cf := range f.program.Classes() {
		for _, entry := range cf.ConstantPool {
			mh, ok := entry.(*classfile.ConstantMethodHandle)
			if !ok {
				continue
			}
			ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, mh.ReferenceIndex)
			if err != nil {
				continue
			}
			if owner, target, ok := f.program.ResolveMethod(ref.ClassName, ref.MethodName, ref.Descriptor); ok {
				f.handles[describe(owner, target)] = true
			}
		}
		for _, m := range cf.Methods {
			if m.Code == nil {
				continue
			}
			insns, err := bytecode.DecodeAll(m.Code.Code)
			if err != nil {
				continue
			}
			for _, in := range insns {
				if in.Opcode < bytecode.OpInvokevirtual || in.Opcode > bytecode.OpInvokeinterface {
					continue
				}
				ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, uint16(in.Index))
				if err != nil {
					continue
				}
				owner, target, ok := f.program.ResolveMethod(ref.ClassName, ref.MethodName, ref.Descriptor)
				if !ok {
					continue
				}
				key := ref.MethodName + ref.Descriptor
				f.callers[key] = append(f.callers[key], callSite{
					class: cf, method: m, at: in, ref: ref, owner: owner, target: target,
				})
			}
		}
	}
}

func countOf(params []string, t string) int {
	n := 0
	for _, p := range params {
		if p == t {
			n++
		}
	}
	return n
}
