package vm

import (
	"fmt"

	"github.com/daimatz/gojopt/pkg/bytecode"
	"github.com/daimatz/gojopt/pkg/classfile"
)

// newarray element type of long arrays.
const tLong = 11

// executeInstruction executes a single decoded instruction found at pc.
// frame.PC already points at the next instruction.
// Returns (returnValue, hasReturn, error).
func (vm *VM) executeInstruction(frame *Frame, pc int, ins bytecode.Instruction) (Value, bool, error) {
	switch op := ins.Opcode; op {
	case bytecode.OpNop:
		// do nothing

	// --- Constants ---
	case bytecode.OpAconstNull:
		frame.Push(NullValue())
	case bytecode.OpIconstM1, bytecode.OpIconst0, bytecode.OpIconst1, bytecode.OpIconst2,
		bytecode.OpIconst3, bytecode.OpIconst4, bytecode.OpIconst5:
		frame.Push(IntValue(int32(op) - bytecode.OpIconst0))
	case bytecode.OpLconst0, bytecode.OpLconst1:
		frame.Push(LongValue(int64(op - bytecode.OpLconst0)))
	case bytecode.OpBipush, bytecode.OpSipush:
		frame.Push(IntValue(ins.Const))
	case bytecode.OpLdc, bytecode.OpLdcW, bytecode.OpLdc2W:
		return vm.executeLdc(frame, uint16(ins.Index))

	// --- Locals ---
	case bytecode.OpIload, bytecode.OpLload, bytecode.OpAload:
		frame.Push(frame.GetLocal(ins.Index))
	case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpAstore:
		frame.SetLocal(ins.Index, frame.Pop())
	case bytecode.OpIinc:
		frame.SetLocal(ins.Index, IntValue(frame.GetLocal(ins.Index).Int+ins.Const))

	// --- Arrays ---
	case bytecode.OpIaload, bytecode.OpLaload, bytecode.OpAaload, bytecode.OpBaload,
		bytecode.OpCaload, bytecode.OpSaload:
		index := frame.Pop().Int
		arr, err := arrayOf(frame.Pop())
		if err != nil {
			return Value{}, false, err
		}
		if index < 0 || int(index) >= len(arr.Elements) {
			return Value{}, false, NewJavaException("java/lang/ArrayIndexOutOfBoundsException")
		}
		frame.Push(arr.Elements[index])
	case bytecode.OpIastore, bytecode.OpLastore, bytecode.OpAastore, bytecode.OpBastore,
		bytecode.OpCastore, bytecode.OpSastore:
		val := frame.Pop()
		index := frame.Pop().Int
		arr, err := arrayOf(frame.Pop())
		if err != nil {
			return Value{}, false, err
		}
		if index < 0 || int(index) >= len(arr.Elements) {
			return Value{}, false, NewJavaException("java/lang/ArrayIndexOutOfBoundsException")
		}
		switch op {
		case bytecode.OpBastore:
			val = IntValue(int32(int8(val.Int)))
		case bytecode.OpCastore:
			val = IntValue(int32(uint16(val.Int)))
		case bytecode.OpSastore:
			val = IntValue(int32(int16(val.Int)))
		}
		arr.Elements[index] = val
	case bytecode.OpNewarray:
		count := frame.Pop().Int
		if count < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException")
		}
		zero := IntValue(0)
		if ins.Const == tLong {
			zero = LongValue(0)
		}
		elements := make([]Value, count)
		for i := range elements {
			elements[i] = zero
		}
		frame.Push(RefValue(&JArray{Elements: elements}))
	case bytecode.OpAnewarray:
		count := frame.Pop().Int
		if count < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException")
		}
		elements := make([]Value, count)
		for i := range elements {
			elements[i] = NullValue()
		}
		frame.Push(RefValue(&JArray{Elements: elements}))
	case bytecode.OpArraylength:
		arr, err := arrayOf(frame.Pop())
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(IntValue(int32(len(arr.Elements))))

	// --- Stack ---
	case bytecode.OpPop:
		frame.Pop()
	case bytecode.OpPop2:
		if !frame.Pop().wide() {
			frame.Pop()
		}
	case bytecode.OpDup:
		frame.Push(frame.Peek())
	case bytecode.OpDupX1:
		v1 := frame.Pop()
		v2 := frame.Pop()
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)
	case bytecode.OpDupX2:
		v1 := frame.Pop()
		v2 := frame.Pop()
		if v2.wide() {
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v3 := frame.Pop()
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)
	case bytecode.OpDup2:
		v1 := frame.Pop()
		if v1.wide() {
			frame.Push(v1)
			frame.Push(v1)
			break
		}
		v2 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)
	case bytecode.OpSwap:
		v1 := frame.Pop()
		v2 := frame.Pop()
		frame.Push(v1)
		frame.Push(v2)

	// --- Int arithmetic ---
	case bytecode.OpIadd:
		intOp(frame, func(a, b int32) int32 { return a + b })
	case bytecode.OpIsub:
		intOp(frame, func(a, b int32) int32 { return a - b })
	case bytecode.OpImul:
		intOp(frame, func(a, b int32) int32 { return a * b })
	case bytecode.OpIdiv, bytecode.OpIrem:
		if frame.Peek().Int == 0 {
			return Value{}, false, NewJavaException("java/lang/ArithmeticException")
		}
		if op == bytecode.OpIdiv {
			intOp(frame, func(a, b int32) int32 { return a / b })
		} else {
			intOp(frame, func(a, b int32) int32 { return a % b })
		}
	case bytecode.OpIneg:
		frame.Push(IntValue(-frame.Pop().Int))
	case bytecode.OpIshl:
		intOp(frame, func(a, b int32) int32 { return a << (uint32(b) & 0x1f) })
	case bytecode.OpIshr:
		intOp(frame, func(a, b int32) int32 { return a >> (uint32(b) & 0x1f) })
	case bytecode.OpIushr:
		intOp(frame, func(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 0x1f)) })
	case bytecode.OpIand:
		intOp(frame, func(a, b int32) int32 { return a & b })
	case bytecode.OpIor:
		intOp(frame, func(a, b int32) int32 { return a | b })
	case bytecode.OpIxor:
		intOp(frame, func(a, b int32) int32 { return a ^ b })

	// --- Long arithmetic ---
	case bytecode.OpLadd:
		longOp(frame, func(a, b int64) int64 { return a + b })
	case bytecode.OpLsub:
		longOp(frame, func(a, b int64) int64 { return a - b })
	case bytecode.OpLmul:
		longOp(frame, func(a, b int64) int64 { return a * b })
	case bytecode.OpLdiv, bytecode.OpLrem:
		if frame.Peek().Long == 0 {
			return Value{}, false, NewJavaException("java/lang/ArithmeticException")
		}
		if op == bytecode.OpLdiv {
			longOp(frame, func(a, b int64) int64 { return a / b })
		} else {
			longOp(frame, func(a, b int64) int64 { return a % b })
		}
	case bytecode.OpLneg:
		frame.Push(LongValue(-frame.Pop().Long))
	case bytecode.OpLand:
		longOp(frame, func(a, b int64) int64 { return a & b })
	case bytecode.OpLor:
		longOp(frame, func(a, b int64) int64 { return a | b })
	case bytecode.OpLxor:
		longOp(frame, func(a, b int64) int64 { return a ^ b })
	case bytecode.OpLshl, bytecode.OpLshr, bytecode.OpLushr:
		shift := uint(frame.Pop().Int) & 0x3f
		v := frame.Pop().Long
		switch op {
		case bytecode.OpLshl:
			v <<= shift
		case bytecode.OpLshr:
			v >>= shift
		default:
			v = int64(uint64(v) >> shift)
		}
		frame.Push(LongValue(v))
	case bytecode.OpLcmp:
		v2 := frame.Pop().Long
		v1 := frame.Pop().Long
		switch {
		case v1 > v2:
			frame.Push(IntValue(1))
		case v1 < v2:
			frame.Push(IntValue(-1))
		default:
			frame.Push(IntValue(0))
		}

	// --- Conversions ---
	case bytecode.OpI2l:
		frame.Push(LongValue(int64(frame.Pop().Int)))
	case bytecode.OpL2i:
		frame.Push(IntValue(int32(frame.Pop().Long)))
	case bytecode.OpI2b:
		frame.Push(IntValue(int32(int8(frame.Pop().Int))))
	case bytecode.OpI2c:
		frame.Push(IntValue(int32(uint16(frame.Pop().Int))))
	case bytecode.OpI2s:
		frame.Push(IntValue(int32(int16(frame.Pop().Int))))

	// --- Branches ---
	case bytecode.OpIfeq, bytecode.OpIfne, bytecode.OpIflt, bytecode.OpIfge, bytecode.OpIfgt, bytecode.OpIfle:
		v := frame.Pop().Int
		if compare(op-bytecode.OpIfeq, v, 0) {
			frame.PC = pc + int(ins.Branch)
		}
	case bytecode.OpIfIcmpeq, bytecode.OpIfIcmpne, bytecode.OpIfIcmplt, bytecode.OpIfIcmpge,
		bytecode.OpIfIcmpgt, bytecode.OpIfIcmple:
		v2 := frame.Pop().Int
		v1 := frame.Pop().Int
		if compare(op-bytecode.OpIfIcmpeq, v1, v2) {
			frame.PC = pc + int(ins.Branch)
		}
	case bytecode.OpIfAcmpeq, bytecode.OpIfAcmpne:
		v2 := frame.Pop()
		v1 := frame.Pop()
		eq := (v1.IsNull() && v2.IsNull()) || (v1.Type == v2.Type && v1.Ref == v2.Ref)
		if eq == (op == bytecode.OpIfAcmpeq) {
			frame.PC = pc + int(ins.Branch)
		}
	case bytecode.OpIfnull, bytecode.OpIfnonnull:
		if frame.Pop().IsNull() == (op == bytecode.OpIfnull) {
			frame.PC = pc + int(ins.Branch)
		}
	case bytecode.OpGoto:
		frame.PC = pc + int(ins.Branch)
	case bytecode.OpTableswitch:
		index := frame.Pop().Int
		if index >= ins.Low && index <= ins.High {
			frame.PC = pc + int(ins.Jumps[index-ins.Low])
		} else {
			frame.PC = pc + int(ins.Branch)
		}
	case bytecode.OpLookupswitch:
		key := frame.Pop().Int
		frame.PC = pc + int(ins.Branch)
		for i, k := range ins.Keys {
			if k == key {
				frame.PC = pc + int(ins.Jumps[i])
				break
			}
		}

	// --- Return ---
	case bytecode.OpIreturn, bytecode.OpLreturn, bytecode.OpAreturn:
		return frame.Pop(), true, nil
	case bytecode.OpReturn:
		return Value{}, true, nil

	// --- Fields, methods and objects ---
	case bytecode.OpGetstatic:
		return vm.executeGetstatic(frame, uint16(ins.Index))
	case bytecode.OpPutstatic:
		return vm.executePutstatic(frame, uint16(ins.Index))
	case bytecode.OpGetfield:
		return vm.executeGetfield(frame, uint16(ins.Index))
	case bytecode.OpPutfield:
		return vm.executePutfield(frame, uint16(ins.Index))
	case bytecode.OpInvokevirtual, bytecode.OpInvokespecial, bytecode.OpInvokestatic, bytecode.OpInvokeinterface:
		return vm.executeInvoke(frame, op, uint16(ins.Index))
	case bytecode.OpNew:
		return vm.executeNew(frame, uint16(ins.Index))

	case bytecode.OpAthrow:
		excRef := frame.Pop()
		if excRef.IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		if obj, ok := excRef.Ref.(*JObject); ok {
			return Value{}, false, &JavaException{Object: obj}
		}
		return Value{}, false, fmt.Errorf("athrow: non-object on stack")

	case bytecode.OpCheckcast:
		className, err := classfile.GetClassName(frame.Class.ConstantPool, uint16(ins.Index))
		if err != nil {
			return Value{}, false, fmt.Errorf("checkcast: %w", err)
		}
		if obj, ok := frame.Peek().Ref.(*JObject); ok && !vm.isInstanceOf(obj.ClassName, className) {
			return Value{}, false, NewJavaException("java/lang/ClassCastException")
		}

	case bytecode.OpInstanceof:
		className, err := classfile.GetClassName(frame.Class.ConstantPool, uint16(ins.Index))
		if err != nil {
			return Value{}, false, fmt.Errorf("instanceof: %w", err)
		}
		if obj, ok := frame.Pop().Ref.(*JObject); ok && vm.isInstanceOf(obj.ClassName, className) {
			frame.Push(IntValue(1))
		} else {
			frame.Push(IntValue(0))
		}

	case bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		// single threaded
		if frame.Pop().IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}

	default:
		return Value{}, false, fmt.Errorf("unsupported opcode %s at PC=%d", bytecode.Mnemonic(op), pc)
	}

	return Value{}, false, nil
}

func intOp(frame *Frame, f func(a, b int32) int32) {
	b := frame.Pop().Int
	a := frame.Pop().Int
	frame.Push(IntValue(f(a, b)))
}

func longOp(frame *Frame, f func(a, b int64) int64) {
	b := frame.Pop().Long
	a := frame.Pop().Long
	frame.Push(LongValue(f(a, b)))
}

// compare evaluates the condition of the n-th branch in the order
// eq, ne, lt, ge, gt, le.
func compare(n byte, a, b int32) bool {
	switch n {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	}
	return a <= b
}

func arrayOf(ref Value) (*JArray, error) {
	if ref.IsNull() {
		return nil, NewJavaException("java/lang/NullPointerException")
	}
	arr, ok := ref.Ref.(*JArray)
	if !ok {
		return nil, fmt.Errorf("reference is not an array")
	}
	return arr, nil
}
