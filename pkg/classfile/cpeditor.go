package classfile

import (
	"fmt"
	"math"
	"strconv"
)

// ConstantPoolEditor adds entries to the constant pool of a class, reusing an
// existing equal entry when there is one. Indices it returns stay valid for
// the lifetime of the class: entries are only ever appended.
//
// Adders do not return errors; an overflowing pool is reported by Err and
// the adders return 0 from then on.
type ConstantPoolEditor struct {
	cf    *ClassFile
	index map[string]uint16
	err   error
}

// NewConstantPoolEditor returns an editor for the constant pool of cf.
func NewConstantPoolEditor(cf *ClassFile) *ConstantPoolEditor {
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = []ConstantPoolEntry{nil}
	}
	e := &ConstantPoolEditor{cf: cf, index: make(map[string]uint16)}
	for i := 1; i < len(cf.ConstantPool); i++ {
		if cf.ConstantPool[i] == nil {
			continue
		}
		if key, ok := e.key(cf.ConstantPool[i]); ok {
			if _, dup := e.index[key]; !dup {
				e.index[key] = uint16(i)
			}
		}
	}
	return e
}

// Err returns the first error encountered while adding entries.
func (e *ConstantPoolEditor) Err() error { return e.err }

// key computes a structural identity for an entry. Entries that refer to
// other entries are keyed by the resolved content so equal references built
// from different indices collapse.
func (e *ConstantPoolEditor) key(entry ConstantPoolEntry) (string, bool) {
	pool := e.cf.ConstantPool
	switch c := entry.(type) {
	case *ConstantUtf8:
		return "1:" + c.Value, true
	case *ConstantInteger:
		return "3:" + strconv.FormatInt(int64(c.Value), 10), true
	case *ConstantFloat:
		return "4:" + strconv.FormatUint(uint64(math.Float32bits(c.Value)), 16), true
	case *ConstantLong:
		return "5:" + strconv.FormatInt(c.Value, 10), true
	case *ConstantDouble:
		return "6:" + strconv.FormatUint(math.Float64bits(c.Value), 16), true
	case *ConstantClass:
		name, err := GetUtf8(pool, c.NameIndex)
		return "7:" + name, err == nil
	case *ConstantString:
		s, err := GetUtf8(pool, c.StringIndex)
		return "8:" + s, err == nil
	case *ConstantNameAndType:
		name, err1 := GetUtf8(pool, c.NameIndex)
		desc, err2 := GetUtf8(pool, c.DescriptorIndex)
		return "12:" + name + ":" + desc, err1 == nil && err2 == nil
	case *ConstantFieldref:
		return e.memberKey(9, c.ClassIndex, c.NameAndTypeIndex)
	case *ConstantMethodref:
		return e.memberKey(10, c.ClassIndex, c.NameAndTypeIndex)
	case *ConstantInterfaceMethodref:
		return e.memberKey(11, c.ClassIndex, c.NameAndTypeIndex)
	case *ConstantMethodType:
		desc, err := GetUtf8(pool, c.DescriptorIndex)
		return "16:" + desc, err == nil
	case *ConstantMethodHandle:
		if int(c.ReferenceIndex) >= len(pool) || pool[c.ReferenceIndex] == nil {
			return "", false
		}
		ref, ok := e.key(pool[c.ReferenceIndex])
		return "15:" + strconv.Itoa(int(c.ReferenceKind)) + ":" + ref, ok
	}
	return "", false
}

func (e *ConstantPoolEditor) memberKey(tag int, classIndex, natIndex uint16) (string, bool) {
	class, err := GetClassName(e.cf.ConstantPool, classIndex)
	if err != nil {
		return "", false
	}
	name, desc, err := GetNameAndType(e.cf.ConstantPool, natIndex)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(tag) + ":" + class + "." + name + ":" + desc, true
}

func (e *ConstantPoolEditor) add(entry ConstantPoolEntry) uint16 {
	if e.err != nil {
		return 0
	}
	key, ok := e.key(entry)
	if ok {
		if idx, found := e.index[key]; found {
			return idx
		}
	}
	size := 1
	if t := entry.Tag(); t == TagLong || t == TagDouble {
		size = 2
	}
	if len(e.cf.ConstantPool)+size > math.MaxUint16 {
		e.err = fmt.Errorf("constant pool of %s overflows", e.cf.Name())
		return 0
	}
	idx := uint16(len(e.cf.ConstantPool))
	e.cf.ConstantPool = append(e.cf.ConstantPool, entry)
	if size == 2 {
		e.cf.ConstantPool = append(e.cf.ConstantPool, nil)
	}
	if ok {
		e.index[key] = idx
	}
	return idx
}

func (e *ConstantPoolEditor) AddUtf8(s string) uint16 {
	return e.add(&ConstantUtf8{Value: s})
}

func (e *ConstantPoolEditor) AddInteger(v int32) uint16 {
	return e.add(&ConstantInteger{Value: v})
}

func (e *ConstantPoolEditor) AddFloat(v float32) uint16 {
	return e.add(&ConstantFloat{Value: v})
}

func (e *ConstantPoolEditor) AddLong(v int64) uint16 {
	return e.add(&ConstantLong{Value: v})
}

func (e *ConstantPoolEditor) AddDouble(v float64) uint16 {
	return e.add(&ConstantDouble{Value: v})
}

func (e *ConstantPoolEditor) AddClass(name string) uint16 {
	return e.add(&ConstantClass{NameIndex: e.AddUtf8(name)})
}

func (e *ConstantPoolEditor) AddString(s string) uint16 {
	return e.add(&ConstantString{StringIndex: e.AddUtf8(s)})
}

func (e *ConstantPoolEditor) AddNameAndType(name, descriptor string) uint16 {
	return e.add(&ConstantNameAndType{NameIndex: e.AddUtf8(name), DescriptorIndex: e.AddUtf8(descriptor)})
}

func (e *ConstantPoolEditor) AddFieldref(class, name, descriptor string) uint16 {
	return e.add(&ConstantFieldref{ClassIndex: e.AddClass(class), NameAndTypeIndex: e.AddNameAndType(name, descriptor)})
}

// AddMethodref adds a reference to method name+descriptor of class.
func (e *ConstantPoolEditor) AddMethodref(class, name, descriptor string) uint16 {
	return e.add(&ConstantMethodref{ClassIndex: e.AddClass(class), NameAndTypeIndex: e.AddNameAndType(name, descriptor)})
}

func (e *ConstantPoolEditor) AddInterfaceMethodref(class, name, descriptor string) uint16 {
	return e.add(&ConstantInterfaceMethodref{ClassIndex: e.AddClass(class), NameAndTypeIndex: e.AddNameAndType(name, descriptor)})
}

func (e *ConstantPoolEditor) AddMethodType(descriptor string) uint16 {
	return e.add(&ConstantMethodType{DescriptorIndex: e.AddUtf8(descriptor)})
}

func (e *ConstantPoolEditor) AddMethodHandle(kind uint8, referenceIndex uint16) uint16 {
	return e.add(&ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: referenceIndex})
}

// CloneConstant copies entry index of another constant pool into this one and
// returns its index here. Dynamic constants are rejected: they depend on the
// BootstrapMethods attribute of their class.
func (e *ConstantPoolEditor) CloneConstant(from []ConstantPoolEntry, index uint16) (uint16, error) {
	entry, err := entryAt(from, index)
	if err != nil {
		return 0, err
	}
	var idx uint16
	switch c := entry.(type) {
	case *ConstantUtf8:
		idx = e.AddUtf8(c.Value)
	case *ConstantInteger:
		idx = e.AddInteger(c.Value)
	case *ConstantFloat:
		idx = e.AddFloat(c.Value)
	case *ConstantLong:
		idx = e.AddLong(c.Value)
	case *ConstantDouble:
		idx = e.AddDouble(c.Value)
	case *ConstantClass:
		name, err := GetUtf8(from, c.NameIndex)
		if err != nil {
			return 0, err
		}
		idx = e.AddClass(name)
	case *ConstantString:
		s, err := GetUtf8(from, c.StringIndex)
		if err != nil {
			return 0, err
		}
		idx = e.AddString(s)
	case *ConstantNameAndType:
		name, desc, err := GetNameAndType(from, index)
		if err != nil {
			return 0, err
		}
		idx = e.AddNameAndType(name, desc)
	case *ConstantFieldref:
		ref, err := ResolveFieldref(from, index)
		if err != nil {
			return 0, err
		}
		idx = e.AddFieldref(ref.ClassName, ref.FieldName, ref.Descriptor)
	case *ConstantMethodref:
		ref, err := ResolveMethodref(from, index)
		if err != nil {
			return 0, err
		}
		idx = e.AddMethodref(ref.ClassName, ref.MethodName, ref.Descriptor)
	case *ConstantInterfaceMethodref:
		ref, err := ResolveInterfaceMethodref(from, index)
		if err != nil {
			return 0, err
		}
		idx = e.AddInterfaceMethodref(ref.ClassName, ref.MethodName, ref.Descriptor)
	case *ConstantMethodType:
		desc, err := GetUtf8(from, c.DescriptorIndex)
		if err != nil {
			return 0, err
		}
		idx = e.AddMethodType(desc)
	case *ConstantMethodHandle:
		ref, err := e.CloneConstant(from, c.ReferenceIndex)
		if err != nil {
			return 0, err
		}
		idx = e.AddMethodHandle(c.ReferenceKind, ref)
	default:
		return 0, fmt.Errorf("cannot copy constant %d (tag=%d) between classes", index, entry.Tag())
	}
	if e.err != nil {
		return 0, e.err
	}
	return idx, nil
}
