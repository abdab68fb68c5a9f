package lambdainline

import "github.com/daimatz/gojopt/pkg/classfile"

// MethodCodeLength returns the length in bytes of the code body of m, a
// method of cf. It reports false for abstract and native methods and for
// methods that are not declared by cf.
func MethodCodeLength(cf *classfile.ClassFile, m *classfile.MethodInfo) (int, bool) {
	if cf == nil || m == nil || m.Code == nil {
		return 0, false
	}
	if cf.FindMethod(m.Name, m.Descriptor) != m {
		return 0, false
	}
	return len(m.Code.Code), true
}
