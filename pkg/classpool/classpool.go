package classpool

import (
	"fmt"
	"slices"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// ClassPool holds a set of classes by internal name (e.g. "java/lang/String").
// A program pool is linked to its library pool by Initialize; lookups that
// miss in the program pool then fall through to the library.
type ClassPool struct {
	classes map[string]*classfile.ClassFile

	// Set by Initialize.
	library    *ClassPool
	methods    map[string]map[string]*classfile.MethodInfo
	subclasses map[string][]string
}

// New returns an empty class pool.
func New() *ClassPool {
	return &ClassPool{classes: make(map[string]*classfile.ClassFile)}
}

// Add adds a class to the pool. Adding two classes with the same name is an error.
func (cp *ClassPool) Add(cf *classfile.ClassFile) error {
	name, err := cf.ClassName()
	if err != nil {
		return fmt.Errorf("adding class: %w", err)
	}
	if _, dup := cp.classes[name]; dup {
		return fmt.Errorf("duplicate class %s", name)
	}
	cp.classes[name] = cf
	return nil
}

// Get returns the class with the given name from this pool only.
func (cp *ClassPool) Get(name string) *classfile.ClassFile {
	return cp.classes[name]
}

// Contains reports whether the class is in this pool, ignoring the library.
func (cp *ClassPool) Contains(name string) bool {
	_, ok := cp.classes[name]
	return ok
}

func (cp *ClassPool) Len() int { return len(cp.classes) }

// Names returns the class names in sorted order.
func (cp *ClassPool) Names() []string {
	names := make([]string, 0, len(cp.classes))
	for name := range cp.classes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Classes returns the classes in name order.
func (cp *ClassPool) Classes() []*classfile.ClassFile {
	names := cp.Names()
	out := make([]*classfile.ClassFile, len(names))
	for i, name := range names {
		out[i] = cp.classes[name]
	}
	return out
}

// Lookup finds a class in this pool or, after Initialize, in its library.
func (cp *ClassPool) Lookup(name string) *classfile.ClassFile {
	if cf, ok := cp.classes[name]; ok {
		return cf
	}
	if cp.library != nil {
		return cp.library.Lookup(name)
	}
	return nil
}

// LoadClass implements the class loader contract used by the interpreter.
func (cp *ClassPool) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf := cp.Lookup(name); cf != nil {
		return cf, nil
	}
	return nil, fmt.Errorf("class %s not found", name)
}
