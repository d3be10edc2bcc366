package wat

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type buf struct {
	b []byte
}

func (w *buf) byte(v byte)     { w.b = append(w.b, v) }
func (w *buf) bytes(v []byte)  { w.b = append(w.b, v...) }
func (w *buf) str(s string)    { w.u32(uint32(len(s))); w.b = append(w.b, s...) }

func (w *buf) u32(v uint32) { w.u64(uint64(v)) }

func (w *buf) u64(v uint64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.b = append(w.b, b)
		if v == 0 {
			return
		}
	}
}

func (w *buf) i32(v int32) { w.i64(int64(v)) }

func (w *buf) i64(v int64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		w.b = append(w.b, b)
		if done {
			return
		}
	}
}

func (w *buf) f32(v float32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	w.bytes(tmp[:])
}

func (w *buf) f64(v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	w.bytes(tmp[:])
}

func (w *buf) section(id byte, body *buf) {
	if len(body.b) == 0 {
		return
	}
	w.byte(id)
	w.u32(uint32(len(body.b)))
	w.bytes(body.b)
}

type immKind int

const (
	immNone immKind = iota
	immI32
	immI64
	immF32
	immF64
	immLocal
	immGlobal
	immFunc
	immLabel
	immBrTable
	immMem
	immMemIdx // memory.size / memory.grow: single zero byte
	immHeap   // ref.null
)

type opInfo struct {
	opcode byte
	imm    immKind
	align  byte // default align, log2 (memory ops only)
}

var ops = map[string]opInfo{
	"unreachable": {0x00, immNone, 0},
	"nop":         {0x01, immNone, 0},
	"br":          {0x0C, immLabel, 0},
	"br_if":       {0x0D, immLabel, 0},
	"br_table":    {0x0E, immBrTable, 0},
	"return":      {0x0F, immNone, 0},
	"call":        {0x10, immFunc, 0},

	"drop":   {0x1A, immNone, 0},
	"select": {0x1B, immNone, 0},

	"local.get":  {0x20, immLocal, 0},
	"local.set":  {0x21, immLocal, 0},
	"local.tee":  {0x22, immLocal, 0},
	"global.get": {0x23, immGlobal, 0},
	"global.set": {0x24, immGlobal, 0},

	"i32.load":     {0x28, immMem, 2},
	"i64.load":     {0x29, immMem, 3},
	"f32.load":     {0x2A, immMem, 2},
	"f64.load":     {0x2B, immMem, 3},
	"i32.load8_s":  {0x2C, immMem, 0},
	"i32.load8_u":  {0x2D, immMem, 0},
	"i32.load16_s": {0x2E, immMem, 1},
	"i32.load16_u": {0x2F, immMem, 1},
	"i64.load8_s":  {0x30, immMem, 0},
	"i64.load8_u":  {0x31, immMem, 0},
	"i64.load16_s": {0x32, immMem, 1},
	"i64.load16_u": {0x33, immMem, 1},
	"i64.load32_s": {0x34, immMem, 2},
	"i64.load32_u": {0x35, immMem, 2},
	"i32.store":    {0x36, immMem, 2},
	"i64.store":    {0x37, immMem, 3},
	"f32.store":    {0x38, immMem, 2},
	"f64.store":    {0x39, immMem, 3},
	"i32.store8":   {0x3A, immMem, 0},
	"i32.store16":  {0x3B, immMem, 1},
	"i64.store8":   {0x3C, immMem, 0},
	"i64.store16":  {0x3D, immMem, 1},
	"i64.store32":  {0x3E, immMem, 2},
	"memory.size":  {0x3F, immMemIdx, 0},
	"memory.grow":  {0x40, immMemIdx, 0},

	"i32.const": {0x41, immI32, 0},
	"i64.const": {0x42, immI64, 0},
	"f32.const": {0x43, immF32, 0},
	"f64.const": {0x44, immF64, 0},

	"i32.eqz":  {0x45, immNone, 0},
	"i32.eq":   {0x46, immNone, 0},
	"i32.ne":   {0x47, immNone, 0},
	"i32.lt_s": {0x48, immNone, 0},
	"i32.lt_u": {0x49, immNone, 0},
	"i32.gt_s": {0x4A, immNone, 0},
	"i32.gt_u": {0x4B, immNone, 0},
	"i32.le_s": {0x4C, immNone, 0},
	"i32.le_u": {0x4D, immNone, 0},
	"i32.ge_s": {0x4E, immNone, 0},
	"i32.ge_u": {0x4F, immNone, 0},

	"i64.eqz":  {0x50, immNone, 0},
	"i64.eq":   {0x51, immNone, 0},
	"i64.ne":   {0x52, immNone, 0},
	"i64.lt_s": {0x53, immNone, 0},
	"i64.lt_u": {0x54, immNone, 0},
	"i64.gt_s": {0x55, immNone, 0},
	"i64.gt_u": {0x56, immNone, 0},
	"i64.le_s": {0x57, immNone, 0},
	"i64.le_u": {0x58, immNone, 0},
	"i64.ge_s": {0x59, immNone, 0},
	"i64.ge_u": {0x5A, immNone, 0},

	"f32.eq": {0x5B, immNone, 0},
	"f32.ne": {0x5C, immNone, 0},
	"f32.lt": {0x5D, immNone, 0},
	"f32.gt": {0x5E, immNone, 0},
	"f32.le": {0x5F, immNone, 0},
	"f32.ge": {0x60, immNone, 0},

	"f64.eq": {0x61, immNone, 0},
	"f64.ne": {0x62, immNone, 0},
	"f64.lt": {0x63, immNone, 0},
	"f64.gt": {0x64, immNone, 0},
	"f64.le": {0x65, immNone, 0},
	"f64.ge": {0x66, immNone, 0},

	"i32.clz":    {0x67, immNone, 0},
	"i32.ctz":    {0x68, immNone, 0},
	"i32.popcnt": {0x69, immNone, 0},
	"i32.add":    {0x6A, immNone, 0},
	"i32.sub":    {0x6B, immNone, 0},
	"i32.mul":    {0x6C, immNone, 0},
	"i32.div_s":  {0x6D, immNone, 0},
	"i32.div_u":  {0x6E, immNone, 0},
	"i32.rem_s":  {0x6F, immNone, 0},
	"i32.rem_u":  {0x70, immNone, 0},
	"i32.and":    {0x71, immNone, 0},
	"i32.or":     {0x72, immNone, 0},
	"i32.xor":    {0x73, immNone, 0},
	"i32.shl":    {0x74, immNone, 0},
	"i32.shr_s":  {0x75, immNone, 0},
	"i32.shr_u":  {0x76, immNone, 0},
	"i32.rotl":   {0x77, immNone, 0},
	"i32.rotr":   {0x78, immNone, 0},

	"i64.clz":    {0x79, immNone, 0},
	"i64.ctz":    {0x7A, immNone, 0},
	"i64.popcnt": {0x7B, immNone, 0},
	"i64.add":    {0x7C, immNone, 0},
	"i64.sub":    {0x7D, immNone, 0},
	"i64.mul":    {0x7E, immNone, 0},
	"i64.div_s":  {0x7F, immNone, 0},
	"i64.div_u":  {0x80, immNone, 0},
	"i64.rem_s":  {0x81, immNone, 0},
	"i64.rem_u":  {0x82, immNone, 0},
	"i64.and":    {0x83, immNone, 0},
	"i64.or":     {0x84, immNone, 0},
	"i64.xor":    {0x85, immNone, 0},
	"i64.shl":    {0x86, immNone, 0},
	"i64.shr_s":  {0x87, immNone, 0},
	"i64.shr_u":  {0x88, immNone, 0},
	"i64.rotl":   {0x89, immNone, 0},
	"i64.rotr":   {0x8A, immNone, 0},

	"f32.abs":      {0x8B, immNone, 0},
	"f32.neg":      {0x8C, immNone, 0},
	"f32.ceil":     {0x8D, immNone, 0},
	"f32.floor":    {0x8E, immNone, 0},
	"f32.trunc":    {0x8F, immNone, 0},
	"f32.nearest":  {0x90, immNone, 0},
	"f32.sqrt":     {0x91, immNone, 0},
	"f32.add":      {0x92, immNone, 0},
	"f32.sub":      {0x93, immNone, 0},
	"f32.mul":      {0x94, immNone, 0},
	"f32.div":      {0x95, immNone, 0},
	"f32.min":      {0x96, immNone, 0},
	"f32.max":      {0x97, immNone, 0},
	"f32.copysign": {0x98, immNone, 0},

	"f64.abs":      {0x99, immNone, 0},
	"f64.neg":      {0x9A, immNone, 0},
	"f64.ceil":     {0x9B, immNone, 0},
	"f64.floor":    {0x9C, immNone, 0},
	"f64.trunc":    {0x9D, immNone, 0},
	"f64.nearest":  {0x9E, immNone, 0},
	"f64.sqrt":     {0x9F, immNone, 0},
	"f64.add":      {0xA0, immNone, 0},
	"f64.sub":      {0xA1, immNone, 0},
	"f64.mul":      {0xA2, immNone, 0},
	"f64.div":      {0xA3, immNone, 0},
	"f64.min":      {0xA4, immNone, 0},
	"f64.max":      {0xA5, immNone, 0},
	"f64.copysign": {0xA6, immNone, 0},

	"i32.wrap_i64":        {0xA7, immNone, 0},
	"i32.trunc_f32_s":     {0xA8, immNone, 0},
	"i32.trunc_f32_u":     {0xA9, immNone, 0},
	"i32.trunc_f64_s":     {0xAA, immNone, 0},
	"i32.trunc_f64_u":     {0xAB, immNone, 0},
	"i64.extend_i32_s":    {0xAC, immNone, 0},
	"i64.extend_i32_u":    {0xAD, immNone, 0},
	"i64.trunc_f32_s":     {0xAE, immNone, 0},
	"i64.trunc_f32_u":     {0xAF, immNone, 0},
	"i64.trunc_f64_s":     {0xB0, immNone, 0},
	"i64.trunc_f64_u":     {0xB1, immNone, 0},
	"f32.convert_i32_s":   {0xB2, immNone, 0},
	"f32.convert_i32_u":   {0xB3, immNone, 0},
	"f32.convert_i64_s":   {0xB4, immNone, 0},
	"f32.convert_i64_u":   {0xB5, immNone, 0},
	"f32.demote_f64":      {0xB6, immNone, 0},
	"f64.convert_i32_s":   {0xB7, immNone, 0},
	"f64.convert_i32_u":   {0xB8, immNone, 0},
	"f64.convert_i64_s":   {0xB9, immNone, 0},
	"f64.convert_i64_u":   {0xBA, immNone, 0},
	"f64.promote_f32":     {0xBB, immNone, 0},
	"i32.reinterpret_f32": {0xBC, immNone, 0},
	"i64.reinterpret_f64": {0xBD, immNone, 0},
	"f32.reinterpret_i32": {0xBE, immNone, 0},
	"f64.reinterpret_i64": {0xBF, immNone, 0},

	"i32.extend8_s":  {0xC0, immNone, 0},
	"i32.extend16_s": {0xC1, immNone, 0},
	"i64.extend8_s":  {0xC2, immNone, 0},
	"i64.extend16_s": {0xC3, immNone, 0},
	"i64.extend32_s": {0xC4, immNone, 0},

	"ref.null":    {0xD0, immHeap, 0},
	"ref.is_null": {0xD1, immNone, 0},
	"ref.func":    {0xD2, immFunc, 0},
}

const opEnd = 0x0B

// funcCtx holds per-function name resolution state during body emission.
type funcCtx struct {
	mc         *moduleCompiler
	localNames []string
	labels     []string
}

func (fc *funcCtx) localIndex(ref string) (int, error) {
	if !strings.HasPrefix(ref, "$") {
		v, err := parseU32(ref)
		return int(v), err
	}
	for i, n := range fc.localNames {
		if n == ref {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown local %q", ref)
}

func (fc *funcCtx) labelIndex(ref string) (int, error) {
	if !strings.HasPrefix(ref, "$") {
		v, err := parseU32(ref)
		return int(v), err
	}
	for i := len(fc.labels) - 1; i >= 0; i-- {
		if fc.labels[i] == ref {
			return len(fc.labels) - 1 - i, nil
		}
	}
	return 0, fmt.Errorf("unknown label %q", ref)
}

func (mc *moduleCompiler) funcIndex(ref string) (int, error) {
	if !strings.HasPrefix(ref, "$") {
		v, err := parseU32(ref)
		return int(v), err
	}
	if idx, ok := mc.funcNames[ref]; ok {
		return idx, nil
	}
	return 0, fmt.Errorf("unknown function %q", ref)
}

func (mc *moduleCompiler) globalIndex(ref string) (int, error) {
	if !strings.HasPrefix(ref, "$") {
		v, err := parseU32(ref)
		return int(v), err
	}
	if idx, ok := mc.globalNames[ref]; ok {
		return idx, nil
	}
	return 0, fmt.Errorf("unknown global %q", ref)
}

// typeUseIndex resolves the (type $t)/(param ..)/(result ..) prefix of a
// call_indirect and returns the remaining operand forms.
func (mc *moduleCompiler) typeUseIndex(items []*node) (int, []*node, error) {
	if len(items) > 0 && items[0].head() == "type" {
		tu := items[0]
		if len(tu.list) != 2 || !tu.list[1].leaf {
			return 0, nil, fmt.Errorf("malformed type use")
		}
		ref := tu.list[1].atom
		items = items[1:]
		// Skip redundant inline params/results next to the named use.
		for len(items) > 0 && (items[0].head() == "param" || items[0].head() == "result") {
			items = items[1:]
		}
		if !strings.HasPrefix(ref, "$") {
			v, err := parseU32(ref)
			return int(v), items, err
		}
		if idx, ok := mc.typeNames[ref]; ok {
			return idx, items, nil
		}
		return 0, nil, fmt.Errorf("unknown type %q", ref)
	}
	ft, _, rest, err := parseSig(items)
	if err != nil {
		return 0, nil, err
	}
	return mc.internType(ft), rest, nil
}

func (fc *funcCtx) emitSeq(w *buf, nodes []*node) error {
	for _, n := range nodes {
		if err := fc.emit(w, n); err != nil {
			return err
		}
	}
	return nil
}

func (fc *funcCtx) emit(w *buf, n *node) error {
	if n.leaf {
		info, ok := ops[n.atom]
		if !ok {
			return fmt.Errorf("unknown instruction %q", n.atom)
		}
		if info.imm != immNone {
			return fmt.Errorf("instruction %q requires folded form with immediates", n.atom)
		}
		w.byte(info.opcode)
		return nil
	}

	op := n.head()
	switch op {
	case "block", "loop":
		return fc.emitBlock(w, n)
	case "if":
		return fc.emitIf(w, n)
	case "then", "else":
		return fmt.Errorf("%q outside of if", op)
	case "call_indirect":
		return fc.emitCallIndirect(w, n)
	}

	info, ok := ops[op]
	if !ok {
		return fmt.Errorf("unknown instruction %q", op)
	}

	// Leading leaf children are immediates, the rest are folded operands.
	items := n.list[1:]
	var imms []string
	for len(items) > 0 && items[0].leaf {
		imms = append(imms, items[0].atom)
		items = items[1:]
	}
	for _, operand := range items {
		if err := fc.emit(w, operand); err != nil {
			return err
		}
	}
	w.byte(info.opcode)
	return fc.emitImmediates(w, op, info, imms)
}

func (fc *funcCtx) emitImmediates(w *buf, op string, info opInfo, imms []string) error {
	one := func() (string, error) {
		if len(imms) != 1 {
			return "", fmt.Errorf("instruction %q expects one immediate", op)
		}
		return imms[0], nil
	}

	switch info.imm {
	case immNone:
		if len(imms) != 0 {
			return fmt.Errorf("instruction %q takes no immediates", op)
		}
	case immI32:
		s, err := one()
		if err != nil {
			return err
		}
		v, err := parseI32(s)
		if err != nil {
			return err
		}
		w.i32(v)
	case immI64:
		s, err := one()
		if err != nil {
			return err
		}
		v, err := parseI64(s)
		if err != nil {
			return err
		}
		w.i64(v)
	case immF32:
		s, err := one()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 32)
		if err != nil {
			return fmt.Errorf("invalid f32 constant %q", s)
		}
		w.f32(float32(v))
	case immF64:
		s, err := one()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
		if err != nil {
			return fmt.Errorf("invalid f64 constant %q", s)
		}
		w.f64(v)
	case immLocal:
		s, err := one()
		if err != nil {
			return err
		}
		idx, err := fc.localIndex(s)
		if err != nil {
			return err
		}
		w.u32(uint32(idx))
	case immGlobal:
		s, err := one()
		if err != nil {
			return err
		}
		idx, err := fc.mc.globalIndex(s)
		if err != nil {
			return err
		}
		w.u32(uint32(idx))
	case immFunc:
		s, err := one()
		if err != nil {
			return err
		}
		idx, err := fc.mc.funcIndex(s)
		if err != nil {
			return err
		}
		w.u32(uint32(idx))
	case immLabel:
		s, err := one()
		if err != nil {
			return err
		}
		depth, err := fc.labelIndex(s)
		if err != nil {
			return err
		}
		w.u32(uint32(depth))
	case immBrTable:
		if len(imms) == 0 {
			return fmt.Errorf("br_table expects at least a default label")
		}
		w.u32(uint32(len(imms) - 1))
		for _, s := range imms {
			depth, err := fc.labelIndex(s)
			if err != nil {
				return err
			}
			w.u32(uint32(depth))
		}
	case immMem:
		offset := uint32(0)
		align := uint32(info.align)
		for _, s := range imms {
			switch {
			case strings.HasPrefix(s, "offset="):
				v, err := parseU32(s[len("offset="):])
				if err != nil {
					return err
				}
				offset = v
			case strings.HasPrefix(s, "align="):
				v, err := parseU32(s[len("align="):])
				if err != nil {
					return err
				}
				a := uint32(0)
				for v > 1 {
					v >>= 1
					a++
				}
				align = a
			default:
				return fmt.Errorf("unexpected immediate %q for %q", s, op)
			}
		}
		w.u32(align)
		w.u32(offset)
	case immMemIdx:
		if len(imms) != 0 {
			return fmt.Errorf("instruction %q takes no immediates", op)
		}
		w.byte(0x00)
	case immHeap:
		s, err := one()
		if err != nil {
			return err
		}
		switch s {
		case "func", "funcref":
			w.byte(byte(typeFuncref))
		case "extern", "externref":
			w.byte(byte(typeExternref))
		default:
			return fmt.Errorf("unknown heap type %q", s)
		}
	}
	return nil
}

// blockPrefix consumes an optional $label and (result T) from a block,
// loop or if form and writes nothing; it returns the label (possibly ""),
// the blocktype byte and the remaining children.
func blockPrefix(items []*node) (string, byte, []*node, error) {
	label := ""
	if len(items) > 0 && items[0].leaf && strings.HasPrefix(items[0].atom, "$") {
		label = items[0].atom
		items = items[1:]
	}
	bt := byte(0x40) // empty
	if len(items) > 0 && items[0].head() == "result" {
		rs := items[0].list[1:]
		if len(rs) != 1 || !rs[0].leaf {
			return "", 0, nil, fmt.Errorf("multi-value block types not supported")
		}
		vt, err := parseValType(rs[0].atom)
		if err != nil {
			return "", 0, nil, err
		}
		bt = byte(vt)
		items = items[1:]
	}
	return label, bt, items, nil
}

func (fc *funcCtx) emitBlock(w *buf, n *node) error {
	opcode := byte(0x02) // block
	if n.head() == "loop" {
		opcode = 0x03
	}
	label, bt, body, err := blockPrefix(n.list[1:])
	if err != nil {
		return err
	}
	w.byte(opcode)
	w.byte(bt)
	fc.labels = append(fc.labels, label)
	if err := fc.emitSeq(w, body); err != nil {
		return err
	}
	fc.labels = fc.labels[:len(fc.labels)-1]
	w.byte(opEnd)
	return nil
}

func (fc *funcCtx) emitIf(w *buf, n *node) error {
	label, bt, items, err := blockPrefix(n.list[1:])
	if err != nil {
		return err
	}

	// Everything before (then ...) is the folded condition.
	var thenForm, elseForm *node
	var cond []*node
	for _, it := range items {
		switch it.head() {
		case "then":
			thenForm = it
		case "else":
			elseForm = it
		default:
			if thenForm != nil {
				return fmt.Errorf("unexpected form after 'then' in if")
			}
			cond = append(cond, it)
		}
	}
	if thenForm == nil {
		return fmt.Errorf("if requires a 'then' form")
	}

	if err := fc.emitSeq(w, cond); err != nil {
		return err
	}
	w.byte(0x04)
	w.byte(bt)
	fc.labels = append(fc.labels, label)
	if err := fc.emitSeq(w, thenForm.list[1:]); err != nil {
		return err
	}
	if elseForm != nil {
		w.byte(0x05)
		if err := fc.emitSeq(w, elseForm.list[1:]); err != nil {
			return err
		}
	}
	fc.labels = fc.labels[:len(fc.labels)-1]
	w.byte(opEnd)
	return nil
}

func (fc *funcCtx) emitCallIndirect(w *buf, n *node) error {
	typeIdx, operands, err := fc.mc.typeUseIndex(n.list[1:])
	if err != nil {
		return err
	}
	if err := fc.emitSeq(w, operands); err != nil {
		return err
	}
	w.byte(0x11)
	w.u32(uint32(typeIdx))
	w.byte(0x00) // table index
	return nil
}

// emitConstExpr writes an init expression (global init, segment offset).
func (mc *moduleCompiler) emitConstExpr(w *buf, n *node) error {
	if n == nil || n.leaf {
		return fmt.Errorf("expected constant expression")
	}
	fc := &funcCtx{mc: mc}
	switch n.head() {
	case "i32.const", "i64.const", "f32.const", "f64.const", "global.get":
		if err := fc.emit(w, n); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported constant expression %q", n.head())
	}
	w.byte(opEnd)
	return nil
}

func parseI32(s string) (int32, error) {
	s = strings.ReplaceAll(s, "_", "")
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return int32(v), nil
	}
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return int32(uint32(v)), nil
	}
	return 0, fmt.Errorf("invalid i32 constant %q", s)
}

func parseI64(s string) (int64, error) {
	s = strings.ReplaceAll(s, "_", "")
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return int64(v), nil
	}
	return 0, fmt.Errorf("invalid i64 constant %q", s)
}

func writeLimits(w *buf, d *limitsDef) {
	if d.hasMax {
		w.byte(0x01)
		w.u32(d.min)
		w.u32(d.max)
	} else {
		w.byte(0x00)
		w.u32(d.min)
	}
}

func (mc *moduleCompiler) encode() ([]byte, error) {
	var out buf
	out.bytes([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	// Code is emitted before section assembly so that call_indirect type
	// uses can still intern new entries into the type section.
	var code buf
	if len(mc.funcs) > 0 {
		code.u32(uint32(len(mc.funcs)))
		for _, fn := range mc.funcs {
			var body buf
			writeLocals(&body, fn.locals)
			fc := &funcCtx{mc: mc, localNames: fn.localNames}
			if err := fc.emitSeq(&body, fn.body); err != nil {
				return nil, err
			}
			body.byte(opEnd)
			code.u32(uint32(len(body.b)))
			code.bytes(body.b)
		}
	}

	var sec buf
	if len(mc.types) > 0 {
		sec.u32(uint32(len(mc.types)))
		for _, ft := range mc.types {
			sec.byte(0x60)
			sec.u32(uint32(len(ft.params)))
			for _, p := range ft.params {
				sec.byte(byte(p))
			}
			sec.u32(uint32(len(ft.results)))
			for _, r := range ft.results {
				sec.byte(byte(r))
			}
		}
		out.section(1, &sec)
	}

	if len(mc.imports) > 0 {
		sec = buf{}
		sec.u32(uint32(len(mc.imports)))
		for _, imp := range mc.imports {
			sec.str(imp.module)
			sec.str(imp.name)
			sec.byte(0x00)
			sec.u32(uint32(imp.typeIdx))
		}
		out.section(2, &sec)
	}

	if len(mc.funcs) > 0 {
		sec = buf{}
		sec.u32(uint32(len(mc.funcs)))
		for _, fn := range mc.funcs {
			sec.u32(uint32(fn.typeIdx))
		}
		out.section(3, &sec)
	}

	if mc.table != nil {
		sec = buf{}
		sec.u32(1)
		sec.byte(byte(typeFuncref))
		writeLimits(&sec, mc.table)
		out.section(4, &sec)
	}

	if mc.memory != nil {
		sec = buf{}
		sec.u32(1)
		writeLimits(&sec, mc.memory)
		out.section(5, &sec)
	}

	if len(mc.globals) > 0 {
		sec = buf{}
		sec.u32(uint32(len(mc.globals)))
		for _, g := range mc.globals {
			sec.byte(byte(g.vt))
			if g.mut {
				sec.byte(0x01)
			} else {
				sec.byte(0x00)
			}
			if err := mc.emitConstExpr(&sec, g.init); err != nil {
				return nil, err
			}
		}
		out.section(6, &sec)
	}

	exports, err := mc.resolveExports()
	if err != nil {
		return nil, err
	}
	if len(exports) > 0 {
		sec = buf{}
		sec.u32(uint32(len(exports)))
		for _, e := range exports {
			sec.str(e.name)
			sec.byte(e.kind)
			sec.u32(e.index)
		}
		out.section(7, &sec)
	}

	if mc.startRef != "" {
		idx, err := mc.funcIndex(mc.startRef)
		if err != nil {
			return nil, err
		}
		sec = buf{}
		sec.u32(uint32(idx))
		out.section(8, &sec)
	}

	if len(mc.elems) > 0 {
		sec = buf{}
		sec.u32(uint32(len(mc.elems)))
		for _, e := range mc.elems {
			sec.byte(0x00)
			if err := mc.emitConstExpr(&sec, e.offset); err != nil {
				return nil, err
			}
			sec.u32(uint32(len(e.funcs)))
			for _, ref := range e.funcs {
				idx, err := mc.funcIndex(ref)
				if err != nil {
					return nil, err
				}
				sec.u32(uint32(idx))
			}
		}
		out.section(9, &sec)
	}

	out.section(10, &code)

	if len(mc.datas) > 0 {
		sec = buf{}
		sec.u32(uint32(len(mc.datas)))
		for _, d := range mc.datas {
			sec.byte(0x00)
			if err := mc.emitConstExpr(&sec, d.offset); err != nil {
				return nil, err
			}
			sec.u32(uint32(len(d.bytes)))
			sec.bytes(d.bytes)
		}
		out.section(11, &sec)
	}

	return out.b, nil
}

type resolvedExport struct {
	name  string
	kind  byte
	index uint32
}

func (mc *moduleCompiler) resolveExports() ([]resolvedExport, error) {
	var result []resolvedExport

	for i, fn := range mc.funcs {
		for _, name := range fn.exports {
			result = append(result, resolvedExport{name, 0, uint32(len(mc.imports) + i)})
		}
	}
	if mc.table != nil {
		for _, name := range mc.table.exports {
			result = append(result, resolvedExport{name, 1, 0})
		}
	}
	if mc.memory != nil {
		for _, name := range mc.memory.exports {
			result = append(result, resolvedExport{name, 2, 0})
		}
	}
	for i, g := range mc.globals {
		for _, name := range g.exports {
			result = append(result, resolvedExport{name, 3, uint32(i)})
		}
	}

	for _, e := range mc.exports {
		var idx int
		var err error
		switch e.kind {
		case 0:
			idx, err = mc.funcIndex(e.ref)
		case 3:
			idx, err = mc.globalIndex(e.ref)
		default:
			idx = 0
		}
		if err != nil {
			return nil, err
		}
		result = append(result, resolvedExport{e.name, e.kind, uint32(idx)})
	}
	return result, nil
}

func writeLocals(w *buf, locals []valType) {
	// Runs of the same type are compressed.
	type run struct {
		vt    valType
		count uint32
	}
	var runs []run
	for _, vt := range locals {
		if n := len(runs); n > 0 && runs[n-1].vt == vt {
			runs[n-1].count++
		} else {
			runs = append(runs, run{vt, 1})
		}
	}
	w.u32(uint32(len(runs)))
	for _, r := range runs {
		w.u32(r.count)
		w.byte(byte(r.vt))
	}
}
