package bytecode

import (
	"fmt"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// fixed stack effects in slots, indexed by opcode; -1 marks opcodes whose
// effect depends on operands.
var fixedPops, fixedPushes [256]int8

func init() {
	set := func(pops, pushes int8, ops ...byte) {
		for _, op := range ops {
			fixedPops[op], fixedPushes[op] = pops, pushes
		}
	}
	for i := range fixedPops {
		fixedPops[i], fixedPushes[i] = -1, -1
	}
	set(0, 0, OpNop, OpIinc, OpGoto, OpRet, OpReturn)
	set(0, 1, OpAconstNull, OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5,
		OpFconst0, OpFconst1, OpFconst2, OpBipush, OpSipush, OpIload, OpFload, OpAload, OpNew, OpJsr)
	set(0, 2, OpLconst0, OpLconst1, OpDconst0, OpDconst1, OpLdc2W, OpLload, OpDload)
	set(1, 0, OpIstore, OpFstore, OpAstore, OpPop, OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle,
		OpIfnull, OpIfnonnull, OpTableswitch, OpLookupswitch, OpIreturn, OpFreturn, OpAreturn,
		OpAthrow, OpMonitorenter, OpMonitorexit)
	set(2, 0, OpLstore, OpDstore, OpPop2, OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge,
		OpIfIcmpgt, OpIfIcmple, OpIfAcmpeq, OpIfAcmpne, OpLreturn, OpDreturn)
	set(2, 1, OpIaload, OpFaload, OpAaload, OpBaload, OpCaload, OpSaload,
		OpIadd, OpFadd, OpIsub, OpFsub, OpImul, OpFmul, OpIdiv, OpFdiv, OpIrem, OpFrem,
		OpIshl, OpIshr, OpIushr, OpIand, OpIor, OpIxor, OpFcmpl, OpFcmpg)
	set(2, 2, OpLaload, OpDaload, OpSwap)
	set(3, 0, OpIastore, OpFastore, OpAastore, OpBastore, OpCastore, OpSastore)
	set(4, 0, OpLastore, OpDastore)
	set(4, 2, OpLadd, OpDadd, OpLsub, OpDsub, OpLmul, OpDmul, OpLdiv, OpDdiv, OpLrem, OpDrem,
		OpLand, OpLor, OpLxor)
	set(4, 1, OpLcmp, OpDcmpl, OpDcmpg)
	set(3, 2, OpLshl, OpLshr, OpLushr)
	set(1, 1, OpIneg, OpFneg, OpI2f, OpF2i, OpI2b, OpI2c, OpI2s, OpNewarray, OpAnewarray,
		OpArraylength, OpCheckcast, OpInstanceof)
	set(2, 2, OpLneg, OpDneg, OpL2d, OpD2l)
	set(1, 2, OpI2l, OpI2d, OpF2l, OpF2d, OpDup)
	set(2, 1, OpL2i, OpL2f, OpD2i, OpD2f)
	set(2, 3, OpDupX1)
	set(3, 4, OpDupX2)
	set(2, 4, OpDup2)
	set(3, 5, OpDup2X1)
	set(4, 6, OpDup2X2)
}

// StackEffect returns how many operand stack slots ins pops and pushes.
// Long and double values count as two slots. Invocations, field accesses
// and ldc resolve their operands in pool.
func StackEffect(ins Instruction, pool []classfile.ConstantPoolEntry) (pops, pushes int, err error) {
	if p := fixedPops[ins.Opcode]; p >= 0 {
		return int(p), int(fixedPushes[ins.Opcode]), nil
	}
	switch ins.Opcode {
	case OpLdc, OpLdcW:
		return 0, 1, nil
	case OpGetstatic, OpPutstatic, OpGetfield, OpPutfield:
		ref, err := classfile.ResolveFieldref(pool, uint16(ins.Index))
		if err != nil {
			return 0, 0, err
		}
		size := classfile.SlotSize(ref.Descriptor)
		switch ins.Opcode {
		case OpGetstatic:
			return 0, size, nil
		case OpPutstatic:
			return size, 0, nil
		case OpGetfield:
			return 1, size, nil
		}
		return 1 + size, 0, nil
	case OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface, OpInvokedynamic:
		var desc string
		if ins.Opcode == OpInvokedynamic {
			_, desc, err = classfile.ResolveInvokeDynamic(pool, uint16(ins.Index))
		} else {
			var ref *classfile.MethodRefInfo
			ref, err = classfile.ResolveAnyMethodref(pool, uint16(ins.Index))
			if ref != nil {
				desc = ref.Descriptor
			}
		}
		if err != nil {
			return 0, 0, err
		}
		params, ret, err := classfile.ParseMethodDescriptor(desc)
		if err != nil {
			return 0, 0, err
		}
		for _, p := range params {
			pops += classfile.SlotSize(p)
		}
		if ins.Opcode != OpInvokestatic && ins.Opcode != OpInvokedynamic {
			pops++
		}
		return pops, classfile.SlotSize(ret), nil
	case OpMultianewarray:
		return int(ins.Const), 1, nil
	}
	return 0, 0, fmt.Errorf("no stack effect for %s", Mnemonic(ins.Opcode))
}

// StackDepths computes the operand stack depth in slots before every
// instruction of a code body reachable from its entry or an exception
// handler. Unreachable instructions are absent from the result.
func StackDepths(code *classfile.CodeAttribute, pool []classfile.ConstantPoolEntry) (map[int]int, error) {
	insns, err := DecodeAll(code.Code)
	if err != nil {
		return nil, err
	}
	index := make(map[int]int, len(insns))
	for i, in := range insns {
		index[in.Offset] = i
	}

	depths := make(map[int]int)
	var work []int
	enqueue := func(offset, depth int) error {
		if _, ok := index[offset]; !ok {
			return fmt.Errorf("branch to %d is not an instruction boundary", offset)
		}
		if d, seen := depths[offset]; seen {
			if d != depth {
				return fmt.Errorf("inconsistent stack depth at %d: %d vs %d", offset, d, depth)
			}
			return nil
		}
		depths[offset] = depth
		work = append(work, offset)
		return nil
	}
	if len(insns) > 0 {
		if err := enqueue(0, 0); err != nil {
			return nil, err
		}
	}
	for _, h := range code.ExceptionHandlers {
		if err := enqueue(int(h.HandlerPC), 1); err != nil {
			return nil, err
		}
	}

	for len(work) > 0 {
		offset := work[len(work)-1]
		work = work[:len(work)-1]
		in := insns[index[offset]]
		pops, pushes, err := StackEffect(in.Instruction, pool)
		if err != nil {
			return nil, fmt.Errorf("at %d: %w", offset, err)
		}
		depth := depths[offset]
		if depth < pops {
			return nil, fmt.Errorf("stack underflow at %d (%s)", offset, Mnemonic(in.Opcode))
		}
		next := depth - pops + pushes
		if in.Opcode == OpJsr {
			// The subroutine sees the return address; the fall-through does not.
			if err := enqueue(offset+int(in.Branch), next); err != nil {
				return nil, err
			}
			next = depth
		} else {
			for _, t := range in.Targets(offset) {
				if err := enqueue(t, next); err != nil {
					return nil, err
				}
			}
		}
		if !in.EndsBlock() {
			if i := index[offset] + 1; i < len(insns) {
				if err := enqueue(insns[i].Offset, next); err != nil {
					return nil, err
				}
			}
		}
	}
	return depths, nil
}
