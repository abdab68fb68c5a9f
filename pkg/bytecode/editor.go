package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/daimatz/gojopt/pkg/classfile"
)

// FragmentEnd is the branch target index that refers to the instruction
// following a fragment.
const FragmentEnd = -1

// Fragment is a sequence of instructions spliced into a code body in place
// of a single instruction. Branch targets of fragment instructions are
// indices into the fragment, not offsets, so a fragment can be built before
// its final position is known.
type Fragment struct {
	insns    []Instruction
	targets  [][]int
	handlers []fragmentHandler
}

type fragmentHandler struct {
	start, end, handler int
	catchType           uint16
}

// Len returns the number of instructions in the fragment.
func (f *Fragment) Len() int { return len(f.insns) }

// Append adds an instruction and returns its index. Jumps take one target,
// switches take the default target followed by one target per case.
func (f *Fragment) Append(ins Instruction, targets ...int) int {
	f.insns = append(f.insns, ins)
	f.targets = append(f.targets, targets)
	return len(f.insns) - 1
}

// AddHandler adds an exception handler covering instructions [start, end).
// Handlers of a fragment take precedence over the ones of the code body it
// is spliced into.
func (f *Fragment) AddHandler(start, end, handler int, catchType uint16) {
	f.handlers = append(f.handlers, fragmentHandler{start, end, handler, catchType})
}

// OffsetMap maps offsets of the code body before a commit to offsets after
// it. Deleted instructions are absent.
type OffsetMap map[int]int

// Lookup returns the new offset of the instruction that was at offset.
func (m OffsetMap) Lookup(offset int) (int, bool) {
	n, ok := m[offset]
	return n, ok
}

// CodeEditor collects deletions and replacements for one code body and
// applies them in one Commit. All offsets refer to the code as it was when
// the editor was reset.
type CodeEditor struct {
	codeLength int
	deleted    map[int]bool
	replaced   map[int][]Instruction
	fragments  map[int]*Fragment
}

// NewCodeEditor returns an editor for a code body of the given length.
func NewCodeEditor(codeLength int) *CodeEditor {
	e := &CodeEditor{}
	e.Reset(codeLength)
	return e
}

// Reset discards all pending edits.
func (e *CodeEditor) Reset(codeLength int) {
	e.codeLength = codeLength
	e.deleted = make(map[int]bool)
	e.replaced = make(map[int][]Instruction)
	e.fragments = make(map[int]*Fragment)
}

// IsModified reports whether any edit is pending.
func (e *CodeEditor) IsModified() bool {
	return len(e.deleted) > 0 || len(e.replaced) > 0 || len(e.fragments) > 0
}

// DeleteInstruction removes the instruction at offset. Branches to it are
// moved to the next instruction that survives.
func (e *CodeEditor) DeleteInstruction(offset int) {
	e.deleted[offset] = true
}

// ReplaceInstruction replaces the instruction at offset with ins. Branches
// in the replacement are relative to the replaced instruction's offset, and
// branches to it land on the first replacement instruction.
func (e *CodeEditor) ReplaceInstruction(offset int, ins ...Instruction) {
	e.replaced[offset] = ins
}

// ReplaceWithFragment replaces the instruction at offset with a fragment.
func (e *CodeEditor) ReplaceWithFragment(offset int, frag *Fragment) {
	e.fragments[offset] = frag
}

type node struct {
	ins Instruction
	// Absolute targets: node indices, filled in before layout.
	targets []int
	offset  int
	// orig is the offset of the instruction this node came from, or -1.
	orig int
}

// Commit applies the pending edits to code and resets the editor. The
// exception table and LineNumberTable are remapped; StackMapTable and the
// local variable tables are dropped because they no longer describe the code.
func (e *CodeEditor) Commit(code *classfile.CodeAttribute) (OffsetMap, error) {
	defer func() { e.Reset(len(code.Code)) }()
	if len(code.Code) != e.codeLength {
		return nil, fmt.Errorf("editor was reset for %d bytes of code, got %d", e.codeLength, len(code.Code))
	}
	insns, err := DecodeAll(code.Code)
	if err != nil {
		return nil, err
	}

	var nodes []*node
	// label maps an original offset to the index of the first node emitted
	// at or after it; code length maps to len(nodes).
	label := make(map[int]int, len(insns)+1)
	type pending struct {
		n         *node
		origTargs []int // absolute original offsets
	}
	var fixups []pending
	type fragRange struct {
		frag  *Fragment
		start int
	}
	var frags []fragRange

	for _, in := range insns {
		label[in.Offset] = len(nodes)
		switch {
		case e.fragments[in.Offset] != nil:
			frag := e.fragments[in.Offset]
			frags = append(frags, fragRange{frag, len(nodes)})
			for _, fi := range frag.insns {
				nodes = append(nodes, &node{ins: fi, orig: -1})
			}
			if len(nodes) > label[in.Offset] {
				nodes[label[in.Offset]].orig = in.Offset
			}
		case e.replaced[in.Offset] != nil:
			for i, ri := range e.replaced[in.Offset] {
				n := &node{ins: ri, orig: -1}
				if i == 0 {
					n.orig = in.Offset
				}
				nodes = append(nodes, n)
				fixups = append(fixups, pending{n, ri.Targets(in.Offset)})
			}
		case e.deleted[in.Offset]:
		default:
			n := &node{ins: in.Instruction, orig: in.Offset}
			nodes = append(nodes, n)
			fixups = append(fixups, pending{n, in.Targets(in.Offset)})
		}
	}
	label[len(code.Code)] = len(nodes)

	resolve := func(orig int) (int, error) {
		idx, ok := label[orig]
		if !ok {
			return 0, fmt.Errorf("branch target %d is not an instruction boundary", orig)
		}
		if idx >= len(nodes) {
			return 0, fmt.Errorf("branch target %d falls off the end of the code", orig)
		}
		return idx, nil
	}
	for _, p := range fixups {
		for _, t := range p.origTargs {
			idx, err := resolve(t)
			if err != nil {
				return nil, err
			}
			p.n.targets = append(p.n.targets, idx)
		}
	}
	for _, fr := range frags {
		for i, ts := range fr.frag.targets {
			n := nodes[fr.start+i]
			if n.ins.IsJump() && len(ts) != 1 {
				return nil, fmt.Errorf("fragment %s needs one target, got %d", Mnemonic(n.ins.Opcode), len(ts))
			}
			for _, t := range ts {
				if t == FragmentEnd {
					t = fr.frag.Len()
				}
				if t < 0 || t > fr.frag.Len() {
					return nil, fmt.Errorf("fragment target %d out of range", t)
				}
				idx := fr.start + t
				if idx >= len(nodes) {
					return nil, fmt.Errorf("fragment branches past the end of the code")
				}
				n.targets = append(n.targets, idx)
			}
		}
	}

	out, err := layout(nodes)
	if err != nil {
		return nil, err
	}
	if len(out) > math.MaxUint16 {
		return nil, fmt.Errorf("code length %d exceeds the class file limit", len(out))
	}

	offsetOf := func(idx int) int {
		if idx >= len(nodes) {
			return len(out)
		}
		return nodes[idx].offset
	}
	mapping := make(OffsetMap)
	for _, n := range nodes {
		if n.orig >= 0 {
			mapping[n.orig] = n.offset
		}
	}

	var handlers []classfile.ExceptionHandler
	for _, fr := range frags {
		for _, h := range fr.frag.handlers {
			start, end := offsetOf(fr.start+h.start), offsetOf(fr.start+h.end)
			if start < end {
				handlers = append(handlers, classfile.ExceptionHandler{
					StartPC: uint16(start), EndPC: uint16(end),
					HandlerPC: uint16(offsetOf(fr.start + h.handler)), CatchType: h.catchType,
				})
			}
		}
	}
	for _, h := range code.ExceptionHandlers {
		si, ok1 := label[int(h.StartPC)]
		ei, ok2 := label[int(h.EndPC)]
		hi, ok3 := label[int(h.HandlerPC)]
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("exception handler %+v does not match instruction boundaries", h)
		}
		start, end := offsetOf(si), offsetOf(ei)
		if start >= end {
			continue
		}
		if hi >= len(nodes) {
			return nil, fmt.Errorf("exception handler at %d was deleted", h.HandlerPC)
		}
		handlers = append(handlers, classfile.ExceptionHandler{
			StartPC: uint16(start), EndPC: uint16(end), HandlerPC: uint16(offsetOf(hi)), CatchType: h.CatchType,
		})
	}

	var attrs []classfile.AttributeInfo
	for _, a := range code.Attributes {
		switch a.Name {
		case "StackMapTable", "LocalVariableTable", "LocalVariableTypeTable":
			continue
		case "LineNumberTable":
			a = remapLineNumbers(a, label, offsetOf, len(out))
		}
		attrs = append(attrs, a)
	}

	code.Code = out
	code.ExceptionHandlers = handlers
	code.Attributes = attrs
	return mapping, nil
}

// layout assigns offsets to nodes and encodes them. Gotos that do not reach
// their target with a 16-bit offset are widened until the layout is stable;
// widening only grows code, so this terminates.
func layout(nodes []*node) ([]byte, error) {
	for {
		pc := 0
		for _, n := range nodes {
			n.offset = pc
			sized := n.ins
			if sized.IsJump() {
				sized.Branch = 0
			}
			size, err := EncodedLength(sized, pc)
			if err != nil {
				return nil, err
			}
			pc += size
		}

		widened := false
		for _, n := range nodes {
			if len(n.targets) == 0 {
				continue
			}
			rel := func(t int) int32 { return int32(nodes[t].offset - n.offset) }
			n.ins.Branch = rel(n.targets[0])
			if n.ins.IsSwitch() {
				jumps := make([]int32, len(n.targets)-1)
				for i, t := range n.targets[1:] {
					jumps[i] = rel(t)
				}
				n.ins.Jumps = jumps
				continue
			}
			if (n.ins.Opcode == OpGoto || n.ins.Opcode == OpJsr) && !n.ins.Wide &&
				(n.ins.Branch < math.MinInt16 || n.ins.Branch > math.MaxInt16) {
				n.ins.Wide = true
				widened = true
			}
		}
		if widened {
			continue
		}

		out := make([]byte, 0, pc)
		for _, n := range nodes {
			var err error
			if out, err = Encode(out, n.ins, n.offset); err != nil {
				return nil, fmt.Errorf("at %d: %w", n.offset, err)
			}
		}
		return out, nil
	}
}

func remapLineNumbers(a classfile.AttributeInfo, label map[int]int, offsetOf func(int) int, codeLength int) classfile.AttributeInfo {
	if len(a.Data) < 2 {
		return a
	}
	n := int(binary.BigEndian.Uint16(a.Data))
	out := []byte{0, 0}
	kept := 0
	for i := 0; i < n && 2+4*i+4 <= len(a.Data); i++ {
		pc := int(binary.BigEndian.Uint16(a.Data[2+4*i:]))
		line := binary.BigEndian.Uint16(a.Data[2+4*i+2:])
		idx, ok := label[pc]
		if !ok {
			continue
		}
		newPC := offsetOf(idx)
		if newPC >= codeLength {
			continue
		}
		out = binary.BigEndian.AppendUint16(out, uint16(newPC))
		out = binary.BigEndian.AppendUint16(out, line)
		kept++
	}
	binary.BigEndian.PutUint16(out, uint16(kept))
	return classfile.AttributeInfo{Name: a.Name, Data: out}
}
