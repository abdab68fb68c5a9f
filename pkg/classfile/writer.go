package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// classWriter accumulates big-endian output. Writes to a bytes.Buffer
// cannot fail, so the helpers do not return errors.
type classWriter struct {
	buf bytes.Buffer
}

func (w *classWriter) u1(v uint8)  { w.buf.WriteByte(v) }
func (w *classWriter) u2(v uint16) { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *classWriter) u4(v uint32) { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *classWriter) bytes(b []byte) {
	w.buf.Write(b)
}

// Bytes serializes the class file. Names of members and attributes that are
// not yet in the constant pool are added to it first.
func (cf *ClassFile) Bytes() ([]byte, error) {
	ed := NewConstantPoolEditor(cf)
	names := func(attrs []AttributeInfo) {
		for _, a := range attrs {
			ed.AddUtf8(a.Name)
		}
	}
	for _, f := range cf.Fields {
		ed.AddUtf8(f.Name)
		ed.AddUtf8(f.Descriptor)
		names(f.Attributes)
	}
	for _, m := range cf.Methods {
		ed.AddUtf8(m.Name)
		ed.AddUtf8(m.Descriptor)
		names(m.Attributes)
		if m.Code != nil {
			ed.AddUtf8("Code")
			names(m.Code.Attributes)
		}
	}
	names(cf.Attributes)
	if err := ed.Err(); err != nil {
		return nil, err
	}

	w := &classWriter{}
	w.u4(classMagic)
	w.u2(cf.MinorVersion)
	w.u2(cf.MajorVersion)

	// Constant pool
	w.u2(uint16(len(cf.ConstantPool)))
	for i := 1; i < len(cf.ConstantPool); i++ {
		entry := cf.ConstantPool[i]
		if entry == nil {
			continue // second slot of a Long or Double
		}
		if err := writeConstant(w, entry); err != nil {
			return nil, fmt.Errorf("writing constant %d: %w", i, err)
		}
	}

	w.u2(cf.AccessFlags)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)

	w.u2(uint16(len(cf.Interfaces)))
	for _, iface := range cf.Interfaces {
		w.u2(iface)
	}

	w.u2(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		w.u2(f.AccessFlags)
		w.u2(ed.AddUtf8(f.Name))
		w.u2(ed.AddUtf8(f.Descriptor))
		writeAttributes(w, ed, f.Attributes)
	}

	w.u2(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		w.u2(m.AccessFlags)
		w.u2(ed.AddUtf8(m.Name))
		w.u2(ed.AddUtf8(m.Descriptor))
		attrs := m.Attributes
		if m.Code != nil {
			attrs = append([]AttributeInfo{{Name: "Code", Data: encodeCodeAttribute(ed, m.Code)}}, attrs...)
		}
		writeAttributes(w, ed, attrs)
	}

	writeAttributes(w, ed, cf.Attributes)
	return w.buf.Bytes(), nil
}

// Write serializes the class file to w.
func (cf *ClassFile) Write(w io.Writer) error {
	data, err := cf.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFile serializes the class file to path.
func (cf *ClassFile) WriteFile(path string) error {
	data, err := cf.Bytes()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func writeAttributes(w *classWriter, ed *ConstantPoolEditor, attrs []AttributeInfo) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(ed.AddUtf8(a.Name))
		w.u4(uint32(len(a.Data)))
		w.bytes(a.Data)
	}
}

func encodeCodeAttribute(ed *ConstantPoolEditor, c *CodeAttribute) []byte {
	w := &classWriter{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Code)))
	w.bytes(c.Code)
	w.u2(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		w.u2(h.StartPC)
		w.u2(h.EndPC)
		w.u2(h.HandlerPC)
		w.u2(h.CatchType)
	}
	writeAttributes(w, ed, c.Attributes)
	return w.buf.Bytes()
}

func writeConstant(w *classWriter, entry ConstantPoolEntry) error {
	w.u1(entry.Tag())
	switch c := entry.(type) {
	case *ConstantUtf8:
		if len(c.Value) > math.MaxUint16 {
			return fmt.Errorf("Utf8 constant too long: %d bytes", len(c.Value))
		}
		w.u2(uint16(len(c.Value)))
		w.bytes([]byte(c.Value))
	case *ConstantInteger:
		w.u4(uint32(c.Value))
	case *ConstantFloat:
		w.u4(math.Float32bits(c.Value))
	case *ConstantLong:
		_ = binary.Write(&w.buf, binary.BigEndian, c.Value)
	case *ConstantDouble:
		_ = binary.Write(&w.buf, binary.BigEndian, math.Float64bits(c.Value))
	case *ConstantClass:
		w.u2(c.NameIndex)
	case *ConstantString:
		w.u2(c.StringIndex)
	case *ConstantFieldref:
		w.u2(c.ClassIndex)
		w.u2(c.NameAndTypeIndex)
	case *ConstantMethodref:
		w.u2(c.ClassIndex)
		w.u2(c.NameAndTypeIndex)
	case *ConstantInterfaceMethodref:
		w.u2(c.ClassIndex)
		w.u2(c.NameAndTypeIndex)
	case *ConstantNameAndType:
		w.u2(c.NameIndex)
		w.u2(c.DescriptorIndex)
	case *ConstantMethodHandle:
		w.u1(c.ReferenceKind)
		w.u2(c.ReferenceIndex)
	case *ConstantMethodType:
		w.u2(c.DescriptorIndex)
	case *ConstantDynamic:
		w.u2(c.BootstrapMethodAttrIndex)
		w.u2(c.NameAndTypeIndex)
	case *ConstantModule:
		w.u2(c.NameIndex)
	default:
		return fmt.Errorf("unsupported constant type %T", entry)
	}
	return nil
}
