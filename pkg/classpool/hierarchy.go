package classpool

import (
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// Initialize links program to library and rebuilds the class hierarchy and
// method indexes of both pools. It must run again after any structural
// change such as a method being added. Duplicate members and cyclic
// hierarchies are reported as errors; missing super classes are not.
func Initialize(program, library *ClassPool) error {
	if library == nil {
		library = New()
	}
	program.library = library
	library.library = nil

	var errs error
	for _, cp := range []*ClassPool{library, program} {
		cp.methods = make(map[string]map[string]*classfile.MethodInfo, len(cp.classes))
		cp.subclasses = make(map[string][]string)
		for _, name := range cp.Names() {
			cf := cp.classes[name]
			index := make(map[string]*classfile.MethodInfo, len(cf.Methods))
			for _, m := range cf.Methods {
				key := m.Name + m.Descriptor
				if _, dup := index[key]; dup {
					errs = multierr.Append(errs, fmt.Errorf("class %s declares %s%s twice", name, m.Name, m.Descriptor))
					continue
				}
				index[key] = m
			}
			cp.methods[name] = index

			supers := cf.InterfaceNames()
			if s := cf.SuperClassName(); s != "" {
				supers = append(supers, s)
			}
			for _, s := range supers {
				cp.subclasses[s] = append(cp.subclasses[s], name)
			}
		}
	}

	for _, cp := range []*ClassPool{library, program} {
		for _, name := range cp.Names() {
			if err := checkAcyclic(program, name); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func checkAcyclic(cp *ClassPool, start string) error {
	onPath := make(map[string]bool)
	done := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if onPath[name] {
			return fmt.Errorf("cyclic class hierarchy through %s", name)
		}
		cf := cp.Lookup(name)
		if cf == nil || done[name] {
			return nil
		}
		onPath[name] = true
		defer delete(onPath, name)
		for _, s := range directSupers(cf) {
			if err := visit(s); err != nil {
				return err
			}
		}
		done[name] = true
		return nil
	}
	return visit(start)
}

func directSupers(cf *classfile.ClassFile) []string {
	supers := make([]string, 0, len(cf.Interfaces)+1)
	if s := cf.SuperClassName(); s != "" {
		supers = append(supers, s)
	}
	return append(supers, cf.InterfaceNames()...)
}

// declaredMethod looks up a method in the index built by Initialize.
func (cp *ClassPool) declaredMethod(class, name, desc string) *classfile.MethodInfo {
	for p := cp; p != nil; p = p.library {
		if index, ok := p.methods[class]; ok {
			return index[name+desc]
		}
	}
	return nil
}

// ResolveMethod resolves a method reference the way the JVM does: the class
// and its super classes first, then its super interfaces, preferring a
// method with a body.
func (cp *ClassPool) ResolveMethod(class, name, desc string) (*classfile.ClassFile, *classfile.MethodInfo, bool) {
	for c := class; c != ""; {
		cf := cp.Lookup(c)
		if cf == nil {
			break
		}
		if m := cp.declaredMethod(c, name, desc); m != nil {
			return cf, m, true
		}
		c = cf.SuperClassName()
	}
	var abstractOwner *classfile.ClassFile
	var abstract *classfile.MethodInfo
	for _, iface := range cp.SuperInterfaces(class) {
		cf := cp.Lookup(iface)
		m := cp.declaredMethod(iface, name, desc)
		if m == nil || m.IsStatic() || m.IsPrivate() {
			continue
		}
		if !m.IsAbstract() {
			return cf, m, true
		}
		if abstract == nil {
			abstractOwner, abstract = cf, m
		}
	}
	return abstractOwner, abstract, abstract != nil
}

// SuperInterfaces returns every interface the class implements or extends,
// directly or through super classes, in breadth-first order.
func (cp *ClassPool) SuperInterfaces(class string) []string {
	var out []string
	seen := map[string]bool{}
	queue := []string{}
	for c := class; c != ""; {
		cf := cp.Lookup(c)
		if cf == nil {
			break
		}
		queue = append(queue, cf.InterfaceNames()...)
		c = cf.SuperClassName()
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if cf := cp.Lookup(name); cf != nil {
			queue = append(queue, cf.InterfaceNames()...)
		}
	}
	return out
}

// IsInterface reports whether the named class is known and is an interface.
func (cp *ClassPool) IsInterface(name string) bool {
	cf := cp.Lookup(name)
	return cf != nil && cf.IsInterface()
}

// IsSubtype reports whether sub is super or extends or implements it,
// directly or indirectly.
func (cp *ClassPool) IsSubtype(sub, super string) bool {
	if sub == super {
		return true
	}
	seen := map[string]bool{}
	var walk func(name string) bool
	walk = func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		cf := cp.Lookup(name)
		if cf == nil {
			return false
		}
		for _, s := range directSupers(cf) {
			if s == super || walk(s) {
				return true
			}
		}
		return false
	}
	return walk(sub)
}

// Subclasses returns the direct subclasses and implementors of a class that
// live in this pool, sorted by name.
func (cp *ClassPool) Subclasses(name string) []string {
	out := slices.Clone(cp.subclasses[name])
	slices.Sort(out)
	return out
}

// IsOverridden reports whether any class of this pool below owner declares
// an instance method with the same name and descriptor as m.
func (cp *ClassPool) IsOverridden(owner string, m *classfile.MethodInfo) bool {
	if m.IsStatic() || m.IsPrivate() || m.Name == "<init>" {
		return false
	}
	seen := map[string]bool{}
	queue := cp.Subclasses(owner)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		if sm := cp.declaredMethod(name, m.Name, m.Descriptor); sm != nil && !sm.IsStatic() {
			return true
		}
		queue = append(queue, cp.Subclasses(name)...)
	}
	return false
}
