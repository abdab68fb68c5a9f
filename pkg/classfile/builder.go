package classfile

// NewClassFile creates an empty class with a fresh constant pool. An empty
// superName leaves super_class at 0, which only java/lang/Object may do.
func NewClassFile(name, superName string, accessFlags uint16, interfaces ...string) *ClassFile {
	cf := &ClassFile{
		MajorVersion: 52,
		AccessFlags:  accessFlags,
		ConstantPool: []ConstantPoolEntry{nil},
	}
	ed := NewConstantPoolEditor(cf)
	cf.ThisClass = ed.AddClass(name)
	if superName != "" {
		cf.SuperClass = ed.AddClass(superName)
	}
	for _, iface := range interfaces {
		cf.Interfaces = append(cf.Interfaces, ed.AddClass(iface))
	}
	return cf
}

// NewMethod adds a method with the given code to cf and returns it. Code may
// be nil for abstract and native methods.
func (cf *ClassFile) NewMethod(accessFlags uint16, name, descriptor string, code *CodeAttribute) *MethodInfo {
	m := &MethodInfo{AccessFlags: accessFlags, Name: name, Descriptor: descriptor, Code: code}
	cf.AddMethod(m)
	return m
}

// NewField adds a field to cf and returns it.
func (cf *ClassFile) NewField(accessFlags uint16, name, descriptor string) *FieldInfo {
	f := &FieldInfo{AccessFlags: accessFlags, Name: name, Descriptor: descriptor}
	cf.Fields = append(cf.Fields, f)
	return f
}
