package vm

import (
	"fmt"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// ClassLoader loads class files by internal name. *classpool.ClassPool
// implements it, consulting its library pool after initialization.
type ClassLoader interface {
	LoadClass(name string) (*classfile.ClassFile, error)
}

// findMethod resolves a method the way invokestatic and invokevirtual do:
// the class and its super classes first, then default methods of its
// super interfaces.
func (vm *VM) findMethod(className, name, desc string) (*classfile.ClassFile, *classfile.MethodInfo, error) {
	var interfaces []string
	for c := className; c != ""; {
		cf, err := vm.Loader.LoadClass(c)
		if err != nil {
			return nil, nil, err
		}
		if m := cf.FindMethod(name, desc); m != nil {
			return cf, m, nil
		}
		interfaces = append(interfaces, cf.InterfaceNames()...)
		c = cf.SuperClassName()
	}
	seen := map[string]bool{}
	for len(interfaces) > 0 {
		iface := interfaces[0]
		interfaces = interfaces[1:]
		if seen[iface] {
			continue
		}
		seen[iface] = true
		cf, err := vm.Loader.LoadClass(iface)
		if err != nil {
			continue
		}
		if m := cf.FindMethod(name, desc); m != nil && !m.IsAbstract() && !m.IsStatic() {
			return cf, m, nil
		}
		interfaces = append(interfaces, cf.InterfaceNames()...)
	}
	return nil, nil, fmt.Errorf("method %s.%s%s not found", className, name, desc)
}

// isInstanceOf reports whether className is target or one of its subtypes.
// Classes the loader cannot find have no known supertypes.
func (vm *VM) isInstanceOf(className, target string) bool {
	if className == target || target == "java/lang/Object" {
		return true
	}
	cf, err := vm.Loader.LoadClass(className)
	if err != nil {
		return false
	}
	if s := cf.SuperClassName(); s != "" && vm.isInstanceOf(s, target) {
		return true
	}
	for _, iface := range cf.InterfaceNames() {
		if vm.isInstanceOf(iface, target) {
			return true
		}
	}
	return false
}

// initialize runs <clinit> of a class and its super classes once.
func (vm *VM) initialize(className string) error {
	if vm.initialized[className] {
		return nil
	}
	vm.initialized[className] = true
	cf, err := vm.Loader.LoadClass(className)
	if err != nil {
		// Library classes outside the loader have no initializer to run.
		return nil
	}
	if s := cf.SuperClassName(); s != "" {
		if err := vm.initialize(s); err != nil {
			return err
		}
	}
	clinit := cf.FindMethod("<clinit>", "()V")
	if clinit == nil || clinit.Code == nil {
		return nil
	}
	if _, err := vm.executeMethod(cf, clinit, nil); err != nil {
		return fmt.Errorf("initializing %s: %w", className, err)
	}
	return nil
}
