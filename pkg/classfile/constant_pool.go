package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// parseConstantPool reads constant_pool_count-1 entries from the reader.
// The returned slice is 1-indexed: index 0 is nil, and so is the slot that
// follows every Long and Double.
func parseConstantPool(r io.Reader, count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)

	u16 := func(i uint16, what string) (uint16, error) {
		var v uint16
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return 0, fmt.Errorf("reading %s at index %d: %w", what, i, err)
		}
		return v, nil
	}

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, err)
		}

		switch tag {
		case TagUtf8:
			length, err := u16(i, "Utf8 length")
			if err != nil {
				return nil, err
			}
			bytes := make([]byte, length)
			if _, err := io.ReadFull(r, bytes); err != nil {
				return nil, fmt.Errorf("reading Utf8 bytes at index %d: %w", i, err)
			}
			pool[i] = &ConstantUtf8{Value: string(bytes)}

		case TagInteger:
			var val int32
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Integer at index %d: %w", i, err)
			}
			pool[i] = &ConstantInteger{Value: val}

		case TagFloat:
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Float at index %d: %w", i, err)
			}
			pool[i] = &ConstantFloat{Value: math.Float32frombits(bits)}

		case TagLong:
			var val int64
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Long at index %d: %w", i, err)
			}
			pool[i] = &ConstantLong{Value: val}
			i++ // long takes 2 slots

		case TagDouble:
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Double at index %d: %w", i, err)
			}
			pool[i] = &ConstantDouble{Value: math.Float64frombits(bits)}
			i++ // double takes 2 slots

		case TagClass:
			nameIndex, err := u16(i, "Class")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantClass{NameIndex: nameIndex}

		case TagString:
			stringIndex, err := u16(i, "String")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantString{StringIndex: stringIndex}

		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			classIndex, err := u16(i, "ref class_index")
			if err != nil {
				return nil, err
			}
			natIndex, err := u16(i, "ref name_and_type_index")
			if err != nil {
				return nil, err
			}
			switch tag {
			case TagFieldref:
				pool[i] = &ConstantFieldref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			case TagMethodref:
				pool[i] = &ConstantMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			default:
				pool[i] = &ConstantInterfaceMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			}

		case TagNameAndType:
			nameIndex, err := u16(i, "NameAndType name_index")
			if err != nil {
				return nil, err
			}
			descIndex, err := u16(i, "NameAndType descriptor_index")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex}

		case TagMethodHandle:
			var kind uint8
			if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
				return nil, fmt.Errorf("reading MethodHandle kind at index %d: %w", i, err)
			}
			refIndex, err := u16(i, "MethodHandle reference_index")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: refIndex}

		case TagMethodType:
			descIndex, err := u16(i, "MethodType")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantMethodType{DescriptorIndex: descIndex}

		case TagDynamic, TagInvokeDynamic:
			bsm, err := u16(i, "Dynamic bootstrap_method_attr_index")
			if err != nil {
				return nil, err
			}
			natIndex, err := u16(i, "Dynamic name_and_type_index")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantDynamic{Invoke: tag == TagInvokeDynamic, BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: natIndex}

		case TagModule, TagPackage:
			nameIndex, err := u16(i, "Module/Package")
			if err != nil {
				return nil, err
			}
			pool[i] = &ConstantModule{Package: tag == TagPackage, NameIndex: nameIndex}

		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
	}

	return pool, nil
}

func entryAt(pool []ConstantPoolEntry, index uint16) (ConstantPoolEntry, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	return pool[index], nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", err
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	entry, err := entryAt(pool, classIndex)
	if err != nil {
		return "", err
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetNameAndType returns the name and descriptor of a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving member name: %w", err)
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving member descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MethodRefInfo holds resolved method reference info.
type MethodRefInfo struct {
	ClassName  string
	MethodName string
	Descriptor string
	Interface  bool
}

func (m *MethodRefInfo) String() string {
	return m.ClassName + "." + m.MethodName + m.Descriptor
}

func resolveMember(pool []ConstantPoolEntry, classIndex, natIndex uint16, kind string) (className, name, descriptor string, err error) {
	className, err = GetClassName(pool, classIndex)
	if err != nil {
		return "", "", "", fmt.Errorf("resolving %s class: %w", kind, err)
	}
	name, descriptor, err = GetNameAndType(pool, natIndex)
	if err != nil {
		return "", "", "", err
	}
	return className, name, descriptor, nil
}

// ResolveMethodref resolves a CONSTANT_Methodref entry.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := entry.(*ConstantMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Methodref", index)
	}
	className, name, desc, err := resolveMember(pool, mref.ClassIndex, mref.NameAndTypeIndex, "Methodref")
	if err != nil {
		return nil, err
	}
	return &MethodRefInfo{ClassName: className, MethodName: name, Descriptor: desc}, nil
}

// ResolveInterfaceMethodref resolves a CONSTANT_InterfaceMethodref entry.
func ResolveInterfaceMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := entry.(*ConstantInterfaceMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not InterfaceMethodref", index)
	}
	className, name, desc, err := resolveMember(pool, mref.ClassIndex, mref.NameAndTypeIndex, "InterfaceMethodref")
	if err != nil {
		return nil, err
	}
	return &MethodRefInfo{ClassName: className, MethodName: name, Descriptor: desc, Interface: true}, nil
}

// ResolveAnyMethodref resolves either a Methodref or an InterfaceMethodref;
// invokestatic and invokespecial may reference both since class file version 52.
func ResolveAnyMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return nil, err
	}
	if _, ok := entry.(*ConstantInterfaceMethodref); ok {
		return ResolveInterfaceMethodref(pool, index)
	}
	return ResolveMethodref(pool, index)
}

// FieldRefInfo holds resolved field reference info.
type FieldRefInfo struct {
	ClassName  string
	FieldName  string
	Descriptor string
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*FieldRefInfo, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return nil, err
	}
	fref, ok := entry.(*ConstantFieldref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Fieldref", index)
	}
	className, name, desc, err := resolveMember(pool, fref.ClassIndex, fref.NameAndTypeIndex, "Fieldref")
	if err != nil {
		return nil, err
	}
	return &FieldRefInfo{ClassName: className, FieldName: name, Descriptor: desc}, nil
}

// ResolveInvokeDynamic returns the name and descriptor of a CONSTANT_InvokeDynamic entry.
func ResolveInvokeDynamic(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", err
	}
	dyn, ok := entry.(*ConstantDynamic)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not InvokeDynamic", index)
	}
	return GetNameAndType(pool, dyn.NameAndTypeIndex)
}
