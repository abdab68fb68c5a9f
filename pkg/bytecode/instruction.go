package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Instruction is a decoded JVM instruction in canonical form: short forms
// such as aload_1, ldc_w, goto_w and wide-prefixed variants are folded into
// their general opcode (aload, ldc, goto) with the operand in a field.
// Encode picks the compact encoding again.
type Instruction struct {
	Opcode byte
	// Index is the local variable index or the constant pool index.
	Index int
	// Const holds the immediate of bipush/sipush, the iinc increment, the
	// newarray type, the invokeinterface count and the multianewarray
	// dimensions.
	Const int32
	// Branch is the target relative to the instruction's own offset. For
	// switches it is the default target.
	Branch int32
	// Wide forces goto_w/jsr_w.
	Wide bool
	// Switch operands.
	Low, High int32
	Keys      []int32
	Jumps     []int32
}

// InstructionAtOffset pairs an instruction with its offset in one code body.
type InstructionAtOffset struct {
	Offset int
	Instruction
}

func (i InstructionAtOffset) String() string {
	return strconv.Itoa(i.Offset) + ": " + i.Instruction.String()
}

func (ins Instruction) String() string {
	var b strings.Builder
	b.WriteString(Mnemonic(ins.Opcode))
	switch {
	case ins.IsLocalAccess():
		fmt.Fprintf(&b, " %d", ins.Index)
		if ins.Opcode == OpIinc {
			fmt.Fprintf(&b, " %d", ins.Const)
		}
	case HasPoolIndex(ins.Opcode):
		fmt.Fprintf(&b, " #%d", ins.Index)
	case ins.Opcode == OpBipush || ins.Opcode == OpSipush || ins.Opcode == OpNewarray:
		fmt.Fprintf(&b, " %d", ins.Const)
	case ins.IsJump():
		fmt.Fprintf(&b, " %+d", ins.Branch)
	case ins.IsSwitch():
		fmt.Fprintf(&b, " default:%+d targets:%v", ins.Branch, ins.Jumps)
	}
	return b.String()
}

// HasPoolIndex reports whether Index of an instruction with this opcode is a
// constant pool index.
func HasPoolIndex(op byte) bool {
	switch op {
	case OpLdc, OpLdcW, OpLdc2W, OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface, OpInvokedynamic,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof, OpMultianewarray:
		return true
	}
	return false
}

// IsLoad reports whether the instruction is a typed local variable load.
func (ins Instruction) IsLoad() bool {
	return ins.Opcode >= OpIload && ins.Opcode <= OpAload
}

// IsStore reports whether the instruction is a typed local variable store.
func (ins Instruction) IsStore() bool {
	return ins.Opcode >= OpIstore && ins.Opcode <= OpAstore
}

// IsLocalAccess reports whether Index names a local variable slot.
func (ins Instruction) IsLocalAccess() bool {
	return ins.IsLoad() || ins.IsStore() || ins.Opcode == OpIinc || ins.Opcode == OpRet
}

// LocalKind returns the kind of value a load or store moves.
func (ins Instruction) LocalKind() Kind {
	switch {
	case ins.IsLoad():
		return kindOrder[ins.Opcode-OpIload]
	case ins.IsStore():
		return kindOrder[ins.Opcode-OpIstore]
	}
	return KindNone
}

func (ins Instruction) IsInvoke() bool {
	return ins.Opcode >= OpInvokevirtual && ins.Opcode <= OpInvokedynamic
}

func (ins Instruction) IsReturn() bool {
	return ins.Opcode >= OpIreturn && ins.Opcode <= OpReturn
}

// ReturnKind returns the kind of value a return instruction returns.
func (ins Instruction) ReturnKind() Kind {
	if ins.Opcode >= OpIreturn && ins.Opcode <= OpAreturn {
		return kindOrder[ins.Opcode-OpIreturn]
	}
	return KindNone
}

// IsConditional reports whether the instruction is a two-way branch.
func (ins Instruction) IsConditional() bool {
	return (ins.Opcode >= OpIfeq && ins.Opcode <= OpIfAcmpne) || ins.Opcode == OpIfnull || ins.Opcode == OpIfnonnull
}

// IsJump reports whether the instruction carries a single branch offset.
func (ins Instruction) IsJump() bool {
	return ins.IsConditional() || ins.Opcode == OpGoto || ins.Opcode == OpJsr
}

func (ins Instruction) IsSwitch() bool {
	return ins.Opcode == OpTableswitch || ins.Opcode == OpLookupswitch
}

// EndsBlock reports whether control never falls through to the next instruction.
func (ins Instruction) EndsBlock() bool {
	return ins.IsReturn() || ins.IsSwitch() || ins.Opcode == OpGoto || ins.Opcode == OpAthrow || ins.Opcode == OpRet
}

// Targets returns the absolute branch targets of an instruction at offset.
func (ins Instruction) Targets(offset int) []int {
	switch {
	case ins.IsJump():
		return []int{offset + int(ins.Branch)}
	case ins.IsSwitch():
		out := make([]int, 0, len(ins.Jumps)+1)
		out = append(out, offset+int(ins.Branch))
		for _, j := range ins.Jumps {
			out = append(out, offset+int(j))
		}
		return out
	}
	return nil
}

// Decode decodes the instruction at offset and returns it with its encoded length.
func Decode(code []byte, offset int) (Instruction, int, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, 0, fmt.Errorf("offset %d outside code of length %d", offset, len(code))
	}
	op := code[offset]
	need := func(n int) error {
		if offset+n > len(code) {
			return fmt.Errorf("truncated %s at offset %d", Mnemonic(op), offset)
		}
		return nil
	}
	u1 := func(at int) int { return int(code[offset+at]) }
	s2 := func(at int) int32 { return int32(int16(binary.BigEndian.Uint16(code[offset+at:]))) }
	u2 := func(at int) int { return int(binary.BigEndian.Uint16(code[offset+at:])) }
	s4 := func(at int) int32 { return int32(binary.BigEndian.Uint32(code[offset+at:])) }

	ins := Instruction{Opcode: op}
	switch {
	case op >= OpIload0 && op <= OpAload3:
		ins.Opcode = OpIload + (op-OpIload0)/4
		ins.Index = int((op - OpIload0) % 4)
		return ins, 1, nil
	case op >= OpIstore0 && op <= OpAstore3:
		ins.Opcode = OpIstore + (op-OpIstore0)/4
		ins.Index = int((op - OpIstore0) % 4)
		return ins, 1, nil
	}

	switch op {
	case OpBipush:
		if err := need(2); err != nil {
			return ins, 0, err
		}
		ins.Const = int32(int8(code[offset+1]))
		return ins, 2, nil
	case OpSipush:
		if err := need(3); err != nil {
			return ins, 0, err
		}
		ins.Const = s2(1)
		return ins, 3, nil
	case OpLdc:
		if err := need(2); err != nil {
			return ins, 0, err
		}
		ins.Index = u1(1)
		return ins, 2, nil
	case OpLdcW:
		if err := need(3); err != nil {
			return ins, 0, err
		}
		ins.Opcode = OpLdc
		ins.Index = u2(1)
		return ins, 3, nil
	case OpIload, OpLload, OpFload, OpDload, OpAload,
		OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet, OpNewarray:
		if err := need(2); err != nil {
			return ins, 0, err
		}
		if op == OpNewarray {
			ins.Const = int32(u1(1))
		} else {
			ins.Index = u1(1)
		}
		return ins, 2, nil
	case OpIinc:
		if err := need(3); err != nil {
			return ins, 0, err
		}
		ins.Index = u1(1)
		ins.Const = int32(int8(code[offset+2]))
		return ins, 3, nil
	case OpLdc2W, OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		if err := need(3); err != nil {
			return ins, 0, err
		}
		ins.Index = u2(1)
		return ins, 3, nil
	case OpInvokeinterface, OpInvokedynamic:
		if err := need(5); err != nil {
			return ins, 0, err
		}
		ins.Index = u2(1)
		if op == OpInvokeinterface {
			ins.Const = int32(u1(3))
		}
		return ins, 5, nil
	case OpMultianewarray:
		if err := need(4); err != nil {
			return ins, 0, err
		}
		ins.Index = u2(1)
		ins.Const = int32(u1(3))
		return ins, 4, nil
	case OpGotoW, OpJsrW:
		if err := need(5); err != nil {
			return ins, 0, err
		}
		ins.Opcode = OpGoto
		if op == OpJsrW {
			ins.Opcode = OpJsr
		}
		ins.Branch = s4(1)
		ins.Wide = true
		return ins, 5, nil
	case OpWide:
		if err := need(4); err != nil {
			return ins, 0, err
		}
		ins.Opcode = code[offset+1]
		ins.Index = u2(2)
		switch ins.Opcode {
		case OpIinc:
			if err := need(6); err != nil {
				return ins, 0, err
			}
			ins.Const = s2(4)
			return ins, 6, nil
		case OpIload, OpLload, OpFload, OpDload, OpAload,
			OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
			return ins, 4, nil
		}
		return ins, 0, fmt.Errorf("invalid wide opcode 0x%02X at offset %d", ins.Opcode, offset)
	case OpTableswitch, OpLookupswitch:
		pc := offset + 1
		pc += (4 - pc%4) % 4
		rel := pc - offset
		if err := need(rel + 12); err != nil {
			return ins, 0, err
		}
		ins.Branch = s4(rel)
		if op == OpTableswitch {
			ins.Low, ins.High = s4(rel+4), s4(rel+8)
			n := int64(ins.High) - int64(ins.Low) + 1
			if n < 0 || n > math.MaxUint16 {
				return ins, 0, fmt.Errorf("invalid tableswitch range %d..%d at offset %d", ins.Low, ins.High, offset)
			}
			if err := need(rel + 12 + 4*int(n)); err != nil {
				return ins, 0, err
			}
			ins.Jumps = make([]int32, n)
			for i := range ins.Jumps {
				ins.Jumps[i] = s4(rel + 12 + 4*i)
			}
			return ins, rel + 12 + 4*int(n), nil
		}
		n := int(s4(rel + 4))
		if n < 0 || n > math.MaxUint16 {
			return ins, 0, fmt.Errorf("invalid lookupswitch size %d at offset %d", n, offset)
		}
		if err := need(rel + 8 + 8*n); err != nil {
			return ins, 0, err
		}
		ins.Keys = make([]int32, n)
		ins.Jumps = make([]int32, n)
		for i := 0; i < n; i++ {
			ins.Keys[i] = s4(rel + 8 + 8*i)
			ins.Jumps[i] = s4(rel + 12 + 8*i)
		}
		return ins, rel + 8 + 8*n, nil
	}

	if ins.IsJump() {
		if err := need(3); err != nil {
			return ins, 0, err
		}
		ins.Branch = s2(1)
		return ins, 3, nil
	}
	if op > OpJsrW || mnemonics[op] == "" {
		return ins, 0, fmt.Errorf("unknown opcode 0x%02X at offset %d", op, offset)
	}
	return ins, 1, nil
}

// DecodeAll decodes a whole code body.
func DecodeAll(code []byte) ([]InstructionAtOffset, error) {
	var out []InstructionAtOffset
	for pc := 0; pc < len(code); {
		ins, n, err := Decode(code, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, InstructionAtOffset{Offset: pc, Instruction: ins})
		pc += n
	}
	return out, nil
}

// Encode appends the encoding of ins, placed at offset, to dst.
func Encode(dst []byte, ins Instruction, offset int) ([]byte, error) {
	u2 := func(v int) { dst = binary.BigEndian.AppendUint16(dst, uint16(v)) }
	u4 := func(v int32) { dst = binary.BigEndian.AppendUint32(dst, uint32(v)) }
	op := ins.Opcode

	switch {
	case ins.IsLoad() || ins.IsStore():
		if ins.Index < 0 || ins.Index > math.MaxUint16 {
			return nil, fmt.Errorf("%s: local index %d out of range", Mnemonic(op), ins.Index)
		}
		base := OpIload0
		first := OpIload
		if ins.IsStore() {
			base, first = OpIstore0, OpIstore
		}
		switch {
		case ins.Index <= 3:
			dst = append(dst, byte(base+int(op-byte(first))*4+ins.Index))
		case ins.Index <= math.MaxUint8:
			dst = append(dst, op, byte(ins.Index))
		default:
			dst = append(dst, OpWide, op)
			u2(ins.Index)
		}
		return dst, nil
	case ins.IsJump():
		if ins.Opcode == OpGoto || ins.Opcode == OpJsr {
			if ins.Wide || ins.Branch < math.MinInt16 || ins.Branch > math.MaxInt16 {
				w := byte(OpGotoW)
				if ins.Opcode == OpJsr {
					w = OpJsrW
				}
				dst = append(dst, w)
				u4(ins.Branch)
				return dst, nil
			}
		} else if ins.Branch < math.MinInt16 || ins.Branch > math.MaxInt16 {
			return nil, fmt.Errorf("%s: branch offset %d does not fit in 16 bits", Mnemonic(op), ins.Branch)
		}
		dst = append(dst, op)
		u2(int(ins.Branch))
		return dst, nil
	case ins.IsSwitch():
		dst = append(dst, op)
		for pad := (4 - (offset+1)%4) % 4; pad > 0; pad-- {
			dst = append(dst, 0)
		}
		u4(ins.Branch)
		if op == OpTableswitch {
			if int64(ins.High)-int64(ins.Low)+1 != int64(len(ins.Jumps)) {
				return nil, fmt.Errorf("tableswitch: %d targets for range %d..%d", len(ins.Jumps), ins.Low, ins.High)
			}
			u4(ins.Low)
			u4(ins.High)
			for _, j := range ins.Jumps {
				u4(j)
			}
			return dst, nil
		}
		if len(ins.Keys) != len(ins.Jumps) {
			return nil, fmt.Errorf("lookupswitch: %d keys for %d targets", len(ins.Keys), len(ins.Jumps))
		}
		u4(int32(len(ins.Keys)))
		for i := range ins.Keys {
			u4(ins.Keys[i])
			u4(ins.Jumps[i])
		}
		return dst, nil
	}

	switch op {
	case OpBipush:
		return append(dst, op, byte(int8(ins.Const))), nil
	case OpSipush:
		dst = append(dst, op)
		u2(int(ins.Const))
		return dst, nil
	case OpLdc, OpLdcW:
		if ins.Index <= math.MaxUint8 {
			return append(dst, OpLdc, byte(ins.Index)), nil
		}
		dst = append(dst, OpLdcW)
		u2(ins.Index)
		return dst, nil
	case OpNewarray:
		return append(dst, op, byte(ins.Const)), nil
	case OpRet:
		if ins.Index > math.MaxUint8 {
			dst = append(dst, OpWide, op)
			u2(ins.Index)
			return dst, nil
		}
		return append(dst, op, byte(ins.Index)), nil
	case OpIinc:
		if ins.Index > math.MaxUint8 || ins.Const < math.MinInt8 || ins.Const > math.MaxInt8 {
			dst = append(dst, OpWide, op)
			u2(ins.Index)
			u2(int(ins.Const))
			return dst, nil
		}
		return append(dst, op, byte(ins.Index), byte(int8(ins.Const))), nil
	case OpLdc2W, OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		dst = append(dst, op)
		u2(ins.Index)
		return dst, nil
	case OpInvokeinterface:
		dst = append(dst, op)
		u2(ins.Index)
		return append(dst, byte(ins.Const), 0), nil
	case OpInvokedynamic:
		dst = append(dst, op)
		u2(ins.Index)
		return append(dst, 0, 0), nil
	case OpMultianewarray:
		dst = append(dst, op)
		u2(ins.Index)
		return append(dst, byte(ins.Const)), nil
	case OpWide, OpGotoW, OpJsrW:
		return nil, fmt.Errorf("%s is not a canonical instruction", Mnemonic(op))
	}
	if mnemonics[op] == "" {
		return nil, fmt.Errorf("unknown opcode 0x%02X", op)
	}
	return append(dst, op), nil
}

// EncodedLength returns the number of bytes ins occupies at offset.
func EncodedLength(ins Instruction, offset int) (int, error) {
	b, err := Encode(nil, ins, offset)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
