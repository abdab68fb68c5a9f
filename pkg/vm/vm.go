package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
	"github.com/daimatz/gojopt/pkg/native"
)

// maxFrameDepth is the maximum number of nested method calls.
const maxFrameDepth = 1024

// VM is a small interpreter used to compare what a program computes before
// and after it is optimized.
type VM struct {
	Loader      ClassLoader
	Stdout      io.Writer
	statics     map[string]Value
	initialized map[string]bool
	frameDepth  int
}

// NewVM creates a new VM loading classes from loader.
func NewVM(loader ClassLoader) *VM {
	return &VM{
		Loader:      loader,
		Stdout:      os.Stdout,
		statics:     make(map[string]Value),
		initialized: make(map[string]bool),
	}
}

// Execute runs the main method of the class.
func (vm *VM) Execute(className string) error {
	// main(String[] args) gets null for args
	_, err := vm.Invoke(className, "main", "([Ljava/lang/String;)V", NullValue())
	return err
}

// Invoke runs a method of className, declared or inherited. Instance
// methods take the receiver as the first argument.
func (vm *VM) Invoke(className, name, desc string, args ...Value) (Value, error) {
	cf, method, err := vm.findMethod(className, name, desc)
	if err != nil {
		return Value{}, err
	}
	params, _, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return Value{}, err
	}
	want := len(params)
	if !method.IsStatic() {
		want++
	}
	if len(args) != want {
		return Value{}, fmt.Errorf("%s.%s%s takes %d arguments, got %d", className, name, desc, want, len(args))
	}
	if err := vm.initialize(cf.Name()); err != nil {
		return Value{}, err
	}
	return vm.executeMethod(cf, method, args)
}

// executeMethod executes a method with the given arguments and returns its return value.
func (vm *VM) executeMethod(class *classfile.ClassFile, method *classfile.MethodInfo, args []Value) (Value, error) {
	if method.Code == nil {
		return Value{}, fmt.Errorf("method %s.%s%s has no Code attribute", class.Name(), method.Name, method.Descriptor)
	}

	vm.frameDepth++
	defer func() { vm.frameDepth-- }()
	if vm.frameDepth > maxFrameDepth {
		return Value{}, fmt.Errorf("stack overflow: frame depth exceeded %d", maxFrameDepth)
	}

	frame := NewFrame(method.Code.MaxLocals, method.Code.MaxStack, method.Code.Code, class)

	// Set arguments into local variables
	slot := 0
	for _, arg := range args {
		frame.SetLocal(slot, arg)
		slot++
		if arg.wide() {
			slot++
		}
	}

	// Execution loop
	for frame.PC < len(frame.Code) {
		pc := frame.PC
		ins, n, err := bytecode.Decode(frame.Code, pc)
		if err != nil {
			return Value{}, fmt.Errorf("%s.%s: %w", class.Name(), method.Name, err)
		}
		frame.PC = pc + n

		retVal, hasReturn, err := vm.executeInstruction(frame, pc, ins)
		if err != nil {
			var exc *JavaException
			if errors.As(err, &exc) {
				if handler, ok := vm.findHandler(method.Code, class, pc, exc); ok {
					frame.SP = 0
					frame.Push(RefValue(exc.Object))
					frame.PC = handler
					continue
				}
			}
			return Value{}, err
		}
		if hasReturn {
			return retVal, nil
		}
	}

	return Value{}, fmt.Errorf("%s.%s%s: execution fell off the end of the code", class.Name(), method.Name, method.Descriptor)
}

// findHandler returns the handler of the first exception table entry
// covering pc that catches exc.
func (vm *VM) findHandler(code *classfile.CodeAttribute, class *classfile.ClassFile, pc int, exc *JavaException) (int, bool) {
	for _, h := range code.ExceptionHandlers {
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return int(h.HandlerPC), true
		}
		name, err := classfile.GetClassName(class.ConstantPool, h.CatchType)
		if err == nil && vm.isInstanceOf(exc.Object.ClassName, name) {
			return int(h.HandlerPC), true
		}
	}
	return 0, false
}

// executeLdc handles ldc, ldc_w and ldc2_w.
func (vm *VM) executeLdc(frame *Frame, index uint16) (Value, bool, error) {
	pool := frame.Class.ConstantPool
	if int(index) >= len(pool) || pool[index] == nil {
		return Value{}, false, fmt.Errorf("ldc: invalid constant pool index %d", index)
	}

	entry := pool[index]
	switch c := entry.(type) {
	case *classfile.ConstantInteger:
		frame.Push(IntValue(c.Value))
	case *classfile.ConstantLong:
		frame.Push(LongValue(c.Value))
	case *classfile.ConstantString:
		str, err := classfile.GetUtf8(pool, c.StringIndex)
		if err != nil {
			return Value{}, false, fmt.Errorf("ldc: resolving string: %w", err)
		}
		frame.Push(RefValue(str))
	default:
		return Value{}, false, fmt.Errorf("ldc: unsupported constant pool entry type at index %d (tag=%d)", index, entry.Tag())
	}

	return Value{}, false, nil
}

// executeGetstatic handles the getstatic instruction.
func (vm *VM) executeGetstatic(frame *Frame, index uint16) (Value, bool, error) {
	fieldRef, err := classfile.ResolveFieldref(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("getstatic: %w", err)
	}

	// Handle java/lang/System.out
	if fieldRef.ClassName == "java/lang/System" && fieldRef.FieldName == "out" {
		frame.Push(RefValue(&native.PrintStream{Writer: vm.Stdout}))
		return Value{}, false, nil
	}

	if err := vm.initialize(fieldRef.ClassName); err != nil {
		return Value{}, false, err
	}
	val, ok := vm.statics[fieldRef.ClassName+"."+fieldRef.FieldName]
	if !ok {
		val = zeroValue(fieldRef.Descriptor)
	}
	frame.Push(val)
	return Value{}, false, nil
}

// executePutstatic handles the putstatic instruction.
func (vm *VM) executePutstatic(frame *Frame, index uint16) (Value, bool, error) {
	fieldRef, err := classfile.ResolveFieldref(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("putstatic: %w", err)
	}
	if err := vm.initialize(fieldRef.ClassName); err != nil {
		return Value{}, false, err
	}
	vm.statics[fieldRef.ClassName+"."+fieldRef.FieldName] = frame.Pop()
	return Value{}, false, nil
}

// executeGetfield handles the getfield instruction.
func (vm *VM) executeGetfield(frame *Frame, index uint16) (Value, bool, error) {
	fieldRef, err := classfile.ResolveFieldref(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("getfield: %w", err)
	}

	objectRef := frame.Pop()
	if objectRef.IsNull() {
		return Value{}, false, NewJavaException("java/lang/NullPointerException")
	}
	obj, ok := objectRef.Ref.(*JObject)
	if !ok {
		return Value{}, false, fmt.Errorf("getfield: receiver is not a JObject")
	}

	val, exists := obj.Fields[fieldRef.FieldName]
	if !exists {
		val = zeroValue(fieldRef.Descriptor)
	}
	frame.Push(val)
	return Value{}, false, nil
}

// executePutfield handles the putfield instruction.
func (vm *VM) executePutfield(frame *Frame, index uint16) (Value, bool, error) {
	fieldRef, err := classfile.ResolveFieldref(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("putfield: %w", err)
	}

	value := frame.Pop()
	objectRef := frame.Pop()
	if objectRef.IsNull() {
		return Value{}, false, NewJavaException("java/lang/NullPointerException")
	}
	obj, ok := objectRef.Ref.(*JObject)
	if !ok {
		return Value{}, false, fmt.Errorf("putfield: receiver is not a JObject")
	}

	obj.Fields[fieldRef.FieldName] = value
	return Value{}, false, nil
}

// executeInvoke handles invokestatic, invokespecial, invokevirtual and
// invokeinterface.
func (vm *VM) executeInvoke(frame *Frame, op byte, index uint16) (Value, bool, error) {
	name := bytecode.Mnemonic(op)
	methodRef, err := classfile.ResolveAnyMethodref(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}

	params, _, err := classfile.ParseMethodDescriptor(methodRef.Descriptor)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}
	paramCount := len(params)
	static := op == bytecode.OpInvokestatic
	if !static {
		paramCount++
	}

	// Pop arguments from stack (in reverse order); the receiver comes first.
	args := make([]Value, paramCount)
	for i := paramCount - 1; i >= 0; i-- {
		args[i] = frame.Pop()
	}
	if !static && args[0].IsNull() {
		return Value{}, false, NewJavaException("java/lang/NullPointerException")
	}

	retVal, handled, err := vm.invokeNative(methodRef, args)
	if !handled {
		var class *classfile.ClassFile
		var method *classfile.MethodInfo
		class, method, err = vm.selectMethod(op, methodRef, args)
		if err != nil {
			return Value{}, false, fmt.Errorf("%s: %w", name, err)
		}
		retVal, err = vm.executeMethod(class, method, args)
	}
	if err != nil {
		return Value{}, false, err
	}

	if !isVoidReturn(methodRef.Descriptor) {
		frame.Push(retVal)
	}
	return Value{}, false, nil
}

// selectMethod picks the method an invoke instruction runs: statically
// resolved for invokestatic and invokespecial, from the receiver's class
// otherwise.
func (vm *VM) selectMethod(op byte, methodRef *classfile.MethodRefInfo, args []Value) (*classfile.ClassFile, *classfile.MethodInfo, error) {
	switch op {
	case bytecode.OpInvokestatic:
		if err := vm.initialize(methodRef.ClassName); err != nil {
			return nil, nil, err
		}
		return vm.findMethod(methodRef.ClassName, methodRef.MethodName, methodRef.Descriptor)
	case bytecode.OpInvokespecial:
		return vm.findMethod(methodRef.ClassName, methodRef.MethodName, methodRef.Descriptor)
	}
	obj, ok := args[0].Ref.(*JObject)
	if !ok {
		return nil, nil, fmt.Errorf("receiver of %s is a %T", methodRef, args[0].Ref)
	}
	return vm.findMethod(obj.ClassName, methodRef.MethodName, methodRef.Descriptor)
}

// invokeNative runs the library methods the VM implements itself. It
// reports false for methods that must run from bytecode.
func (vm *VM) invokeNative(methodRef *classfile.MethodRefInfo, args []Value) (Value, bool, error) {
	switch methodRef.ClassName + "." + methodRef.MethodName {
	case "java/lang/Object.<init>":
		return Value{}, true, nil

	case "java/io/PrintStream.println", "java/io/PrintStream.print":
		ps, ok := args[0].Ref.(*native.PrintStream)
		if !ok {
			return Value{}, true, fmt.Errorf("invokevirtual: %s receiver is not a PrintStream", methodRef.MethodName)
		}
		switch {
		case len(args) == 1:
			ps.Println()
		case methodRef.MethodName == "print":
			ps.Print(args[1].String())
		default:
			ps.Println(args[1].String())
		}
		return Value{}, true, nil

	case "java/lang/Integer.valueOf":
		return RefValue(native.IntegerValueOf(args[0].Int)), true, nil

	case "java/lang/Integer.intValue":
		ni, ok := args[0].Ref.(*native.NativeInteger)
		if !ok {
			return Value{}, true, fmt.Errorf("invokevirtual: Integer.intValue receiver is not a NativeInteger")
		}
		return IntValue(native.IntegerIntValue(ni)), true, nil
	}

	// Constructors of library classes the loader does not know, such as
	// exception types, only need the object new created.
	if methodRef.MethodName == "<init>" {
		if _, err := vm.Loader.LoadClass(methodRef.ClassName); err != nil {
			return Value{}, true, nil
		}
	}
	return Value{}, false, nil
}

// executeNew handles the new instruction.
func (vm *VM) executeNew(frame *Frame, index uint16) (Value, bool, error) {
	className, err := classfile.GetClassName(frame.Class.ConstantPool, index)
	if err != nil {
		return Value{}, false, fmt.Errorf("new: %w", err)
	}
	if err := vm.initialize(className); err != nil {
		return Value{}, false, err
	}
	frame.Push(RefValue(newObject(className)))
	return Value{}, false, nil
}

// isVoidReturn checks if a method descriptor has void return type.
func isVoidReturn(descriptor string) bool {
	return strings.HasSuffix(descriptor, ")V")
}
