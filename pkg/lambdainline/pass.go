package lambdainline

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/classpool"
	"github.com/daimatz/gojopt/pkg/lambdainline/lambdalocator"
)

// AppView is the pair of class pools a pass works on. Only program classes
// are modified.
type AppView struct {
	ProgramClassPool *classpool.ClassPool
	LibraryClassPool *classpool.ClassPool
}

// Pass inlines every static lambda it can into the methods consuming it.
type Pass struct {
	Policy Policy
	// Filter selects the classes whose lambda creation sites are considered.
	Filter string
	Logger *zap.Logger
}

// NewPass returns a pass. A nil policy behaves like BasePolicy.
func NewPass(policy Policy, filter string, logger *zap.Logger) *Pass {
	return &Pass{Policy: policy, Filter: filter, Logger: logger}
}

// LambdaOutcome records what the pass did with one lambda.
type LambdaOutcome struct {
	Lambda string
	// Sites counts the usage sites found, escapes included.
	Sites int
	// Inlined counts the call sites redirected to a specialized method.
	Inlined int
	// FullyInlined is set when every use was inlined and the creation of
	// the lambda was removed.
	FullyInlined bool
	// Escapes lists why the lambda could not be followed everywhere.
	Escapes []string
	// Err holds the site failures.
	Err error
}

// Report summarizes a run of the pass.
type Report struct {
	Lambdas []LambdaOutcome
}

// InlinedSites returns the number of redirected call sites.
func (r *Report) InlinedSites() int {
	n := 0
	for _, o := range r.Lambdas {
		n += o.Inlined
	}
	return n
}

// FullyInlined returns the number of lambdas whose creation was removed.
func (r *Report) FullyInlined() int {
	n := 0
	for _, o := range r.Lambdas {
		if o.FullyInlined {
			n++
		}
	}
	return n
}

// Err combines the site failures of every lambda.
func (r *Report) Err() error {
	var err error
	for _, o := range r.Lambdas {
		err = multierr.Append(err, o.Err)
	}
	return err
}

// Execute runs the pass and discards the report. Site failures are not
// errors; only a program the pass cannot analyze or rewrite is.
func (p *Pass) Execute(view AppView) error {
	_, err := p.Run(view)
	return err
}

// Run inlines the static lambdas of view's program classes, one lambda at a
// time in creation site order.
func (p *Pass) Run(view AppView) (*Report, error) {
	log := nilSafe(p.Logger)
	program, library := view.ProgramClassPool, view.LibraryClassPool
	if program == nil {
		return nil, errors.New("no program class pool")
	}
	if err := classpool.Initialize(program, library); err != nil {
		return nil, fmt.Errorf("initializing class pools: %w", err)
	}
	loc, err := lambdalocator.New(program, p.Filter)
	if err != nil {
		return nil, err
	}
	lambdas := loc.StaticLambdas()
	known := loc.StaticLambdas()
	live := loc.StaticLambdaMap()
	inliner := NewInliner(program, library, p.Policy, log)
	log.Info("found static lambdas", zap.Int("count", len(lambdas)))

	report := &Report{}
	for i := 0; i < len(lambdas); i++ {
		l := lambdas[i]
		finder := NewUsageFinder(program, library, live, log)
		outcome, edits, err := p.inlineLambda(l, finder, inliner, program, library)
		if err != nil {
			return report, err
		}
		report.Lambdas = append(report.Lambdas, outcome)
		log.Info("processed lambda",
			zap.String("lambda", outcome.Lambda),
			zap.Int("sites", outcome.Sites),
			zap.Int("inlined", outcome.Inlined),
			zap.Bool("fully_inlined", outcome.FullyInlined))

		moved, err := edits.commit()
		if err != nil {
			return report, fmt.Errorf("rewriting code for %s: %w", outcome.Lambda, err)
		}
		if len(moved) == 0 {
			continue
		}
		lambdas = append(lambdas[:i+1], relocate(lambdas[i+1:], moved)...)
		known = relocate(known, moved)
		live = make(map[lambdalocator.Key]lambdalocator.Lambda, len(known))
		for _, k := range known {
			live[k.Key()] = k
		}
	}
	return report, nil
}

// inlineLambda inlines l at every call site where it can and queues the
// code edits that redirect the calls.
func (p *Pass) inlineLambda(l lambdalocator.Lambda, finder *UsageFinder, inliner *Inliner, program, library *classpool.ClassPool) (LambdaOutcome, *codeEdits, error) {
	log := nilSafe(p.Logger).With(zap.String("lambda", l.Key().String()))
	outcome := LambdaOutcome{Lambda: l.Key().String()}
	edits := newCodeEdits()
	var removals []removal
	complete := true

	for site, err := range finder.Sites(l) {
		if err != nil {
			complete = false
			outcome.Err = multierr.Append(outcome.Err, err)
			log.Debug("cannot trace lambda", zap.Error(err))
			continue
		}
		outcome.Sites++
		if !site.IsCall() {
			complete = false
			outcome.Escapes = append(outcome.Escapes, site.String())
			log.Debug("lambda escapes", zap.Stringer("site", site))
			continue
		}
		if len(site.PossibleOrigins) != 1 || site.PossibleOrigins[0] != l.Key().String() {
			complete = false
			err := fmt.Errorf("%w: %s may receive %v", ErrAmbiguousProvenance, site, site.PossibleOrigins)
			outcome.Err = multierr.Append(outcome.Err, err)
			log.Debug("not inlining", zap.Error(err))
			continue
		}
		sm, err := inliner.Inline(site)
		if err != nil {
			complete = false
			outcome.Err = multierr.Append(outcome.Err, err)
			log.Debug("not inlining", zap.Stringer("site", site), zap.Error(err))
			continue
		}
		if err := classpool.Initialize(program, library); err != nil {
			return outcome, nil, fmt.Errorf("reindexing after specializing %s: %w", describe(sm.Class, sm.Original), err)
		}
		r, err := edits.redirect(site, sm)
		if err != nil {
			return outcome, nil, err
		}
		removals = append(removals, r)
		outcome.Inlined++
		log.Debug("inlined", zap.Stringer("site", site), zap.String("specialized", sm.Method.Name+sm.Method.Descriptor))
	}

	if complete && outcome.Inlined > 0 {
		for _, r := range removals {
			e := edits.editor(r.code)
			for _, off := range r.offsets {
				e.DeleteInstruction(off)
			}
		}
		outcome.FullyInlined = true
	}
	return outcome, edits, nil
}

// removal holds the instructions that created and stored a lambda before
// it was pushed for a redirected call. They are dead once every use of the
// lambda is inlined.
type removal struct {
	code    *classfile.CodeAttribute
	offsets []int
}

// codeEdits keeps one editor per code body, in the order the bodies were
// first edited.
type codeEdits struct {
	order   []*classfile.CodeAttribute
	editors map[*classfile.CodeAttribute]*bytecode.CodeEditor
}

func newCodeEdits() *codeEdits {
	return &codeEdits{editors: make(map[*classfile.CodeAttribute]*bytecode.CodeEditor)}
}

func (c *codeEdits) editor(code *classfile.CodeAttribute) *bytecode.CodeEditor {
	e, ok := c.editors[code]
	if !ok {
		e = bytecode.NewCodeEditor(len(code.Code))
		c.editors[code] = e
		c.order = append(c.order, code)
	}
	return e
}

// redirect replaces the call of site with a call of sm and stops pushing
// the lambda for it. The instructions that produced the pushed value are
// returned for removal.
func (c *codeEdits) redirect(site UsageSite, sm *SpecializedMethod) (removal, error) {
	cpe := classfile.NewConstantPoolEditor(site.CallClass)
	ref := cpe.AddMethodref(sm.Class.Name(), sm.Method.Name, sm.Method.Descriptor)
	if err := cpe.Err(); err != nil {
		return removal{}, fmt.Errorf("redirecting %s: %w", site, err)
	}
	op := byte(bytecode.OpInvokevirtual)
	switch {
	case sm.Method.IsStatic():
		op = bytecode.OpInvokestatic
	case sm.Method.IsPrivate():
		op = bytecode.OpInvokespecial
	}
	e := c.editor(site.CallCode)
	e.ReplaceInstruction(site.CallOffset, bytecode.Instruction{Opcode: op, Index: int(ref)})

	rest := site.Trace
	for len(rest) > 0 {
		in := rest[0]
		rest = rest[1:]
		e.DeleteInstruction(in.Offset)
		if in.Opcode == bytecode.OpAload || in.Opcode == bytecode.OpDup || in.IsInvoke() {
			break
		}
	}
	r := removal{code: site.CallCode}
	for _, in := range rest {
		r.offsets = append(r.offsets, in.Offset)
	}
	return r, nil
}

// commit applies the queued edits and returns the offset map of every code
// body that changed. If any body fails to commit, the bodies committed
// before it are restored and no body is changed.
func (c *codeEdits) commit() (map[*classfile.CodeAttribute]bytecode.OffsetMap, error) {
	moved := make(map[*classfile.CodeAttribute]bytecode.OffsetMap)
	saved := make(map[*classfile.CodeAttribute]classfile.CodeAttribute)
	for _, code := range c.order {
		e := c.editors[code]
		if !e.IsModified() {
			continue
		}
		saved[code] = *code
		m, err := e.Commit(code)
		if err != nil {
			for done, before := range saved {
				*done = before
			}
			return nil, err
		}
		moved[code] = m
	}
	return moved, nil
}

// relocate moves lambdas created in edited code to their new offsets and
// drops the ones whose creation was removed.
func relocate(lambdas []lambdalocator.Lambda, moved map[*classfile.CodeAttribute]bytecode.OffsetMap) []lambdalocator.Lambda {
	out := make([]lambdalocator.Lambda, 0, len(lambdas))
	for _, l := range lambdas {
		if m, ok := moved[l.Code()]; ok {
			off, ok := m.Lookup(l.Offset)
			if !ok {
				continue
			}
			l.Offset = off
		}
		out = append(out, l)
	}
	return out
}
