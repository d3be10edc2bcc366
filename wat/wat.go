package wat

import (
	"fmt"
	"strconv"
	"strings"
)

// Compile translates WAT source into a binary WASM module.
func Compile(source string) ([]byte, error) {
	nodes, err := parseAll(source)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 || nodes[0].head() != "module" {
		return nil, fmt.Errorf("expected 'module' form at top level")
	}

	mc := newModuleCompiler()
	if err := mc.collect(nodes[0].list[1:]); err != nil {
		return nil, err
	}
	return mc.encode()
}

type valType byte

const (
	typeI32       valType = 0x7F
	typeI64       valType = 0x7E
	typeF32       valType = 0x7D
	typeF64       valType = 0x7C
	typeFuncref   valType = 0x70
	typeExternref valType = 0x6F
)

func parseValType(s string) (valType, error) {
	switch s {
	case "i32":
		return typeI32, nil
	case "i64":
		return typeI64, nil
	case "f32":
		return typeF32, nil
	case "f64":
		return typeF64, nil
	case "funcref":
		return typeFuncref, nil
	case "externref":
		return typeExternref, nil
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

type funcType struct {
	params  []valType
	results []valType
}

func (ft funcType) key() string {
	var b strings.Builder
	for _, p := range ft.params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(0)
	for _, r := range ft.results {
		b.WriteByte(byte(r))
	}
	return b.String()
}

type importDef struct {
	module, name string
	id           string
	typeIdx      int
}

type funcDef struct {
	id         string
	exports    []string
	typeIdx    int
	paramNames []string
	locals     []valType
	localNames []string
	body       []*node
}

type limitsDef struct {
	id      string
	exports []string
	min     uint32
	max     uint32
	hasMax  bool
}

type globalDef struct {
	id      string
	exports []string
	vt      valType
	mut     bool
	init    *node
}

type exportRec struct {
	name string
	kind byte // 0 func, 1 table, 2 memory, 3 global
	ref  string
}

type elemDef struct {
	offset *node
	funcs  []string
}

type dataDef struct {
	offset *node
	bytes  []byte
}

type moduleCompiler struct {
	types       []funcType
	typeKeys    map[string]int
	typeNames   map[string]int
	imports     []*importDef
	funcs       []*funcDef
	funcNames   map[string]int
	table       *limitsDef
	memory      *limitsDef
	globals     []*globalDef
	globalNames map[string]int
	exports     []exportRec
	elems       []*elemDef
	datas       []*dataDef
	startRef    string
}

func newModuleCompiler() *moduleCompiler {
	return &moduleCompiler{
		typeKeys:    make(map[string]int),
		typeNames:   make(map[string]int),
		funcNames:   make(map[string]int),
		globalNames: make(map[string]int),
	}
}

func (mc *moduleCompiler) internType(ft funcType) int {
	if idx, ok := mc.typeKeys[ft.key()]; ok {
		return idx
	}
	mc.types = append(mc.types, ft)
	idx := len(mc.types) - 1
	mc.typeKeys[ft.key()] = idx
	return idx
}

func (mc *moduleCompiler) collect(fields []*node) error {
	for _, f := range fields {
		if f.leaf {
			return fmt.Errorf("unexpected atom %q at module level", f.atom)
		}
		var err error
		switch f.head() {
		case "type":
			err = mc.collectType(f)
		case "import":
			err = mc.collectImport(f)
		case "func":
			err = mc.collectFunc(f)
		case "table":
			mc.table, err = mc.collectLimits(f, "funcref")
		case "memory":
			mc.memory, err = mc.collectLimits(f, "")
		case "global":
			err = mc.collectGlobal(f)
		case "export":
			err = mc.collectExport(f)
		case "elem":
			err = mc.collectElem(f)
		case "data":
			err = mc.collectData(f)
		case "start":
			if len(f.list) != 2 || !f.list[1].leaf {
				return fmt.Errorf("malformed start")
			}
			mc.startRef = f.list[1].atom
		default:
			err = fmt.Errorf("unknown module field %q", f.head())
		}
		if err != nil {
			return err
		}
	}

	// Function index space: imports first, then local funcs.
	for i, imp := range mc.imports {
		if imp.id != "" {
			mc.funcNames[imp.id] = i
		}
	}
	for i, fn := range mc.funcs {
		if fn.id != "" {
			mc.funcNames[fn.id] = len(mc.imports) + i
		}
	}
	for i, g := range mc.globals {
		if g.id != "" {
			mc.globalNames[g.id] = i
		}
	}
	return nil
}

func (mc *moduleCompiler) collectType(f *node) error {
	// (type $id (func (param..) (result..)))
	rest := f.list[1:]
	id := ""
	if len(rest) > 0 && rest[0].leaf {
		id = rest[0].atom
		rest = rest[1:]
	}
	if len(rest) != 1 || rest[0].head() != "func" {
		return fmt.Errorf("malformed type definition")
	}
	ft, _, leftover, err := parseSig(rest[0].list[1:])
	if err != nil {
		return err
	}
	if len(leftover) != 0 {
		return fmt.Errorf("unexpected content in type definition")
	}
	idx := mc.internType(ft)
	if id != "" {
		mc.typeNames[id] = idx
	}
	return nil
}

func (mc *moduleCompiler) collectImport(f *node) error {
	// (import "mod" "name" (func $id (param..) (result..)))
	if len(f.list) != 4 || !f.list[1].str || !f.list[2].str {
		return fmt.Errorf("malformed import")
	}
	desc := f.list[3]
	if desc.head() != "func" {
		return fmt.Errorf("unsupported import kind %q (only func imports)", desc.head())
	}
	if len(mc.funcs) > 0 {
		return fmt.Errorf("function imports must precede function definitions")
	}
	rest := desc.list[1:]
	id := ""
	if len(rest) > 0 && rest[0].leaf {
		id = rest[0].atom
		rest = rest[1:]
	}
	ft, _, leftover, err := parseSig(rest)
	if err != nil {
		return err
	}
	if len(leftover) != 0 {
		return fmt.Errorf("unexpected content in import signature")
	}
	mc.imports = append(mc.imports, &importDef{
		module:  f.list[1].atom,
		name:    f.list[2].atom,
		id:      id,
		typeIdx: mc.internType(ft),
	})
	return nil
}

func (mc *moduleCompiler) collectFunc(f *node) error {
	rest := f.list[1:]
	fn := &funcDef{}
	if len(rest) > 0 && rest[0].leaf {
		fn.id = rest[0].atom
		rest = rest[1:]
	}
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := exportName(rest[0])
		if err != nil {
			return err
		}
		fn.exports = append(fn.exports, name)
		rest = rest[1:]
	}
	ft, names, rest, err := parseSig(rest)
	if err != nil {
		return err
	}
	fn.typeIdx = mc.internType(ft)
	fn.paramNames = names
	fn.localNames = append([]string{}, names...)
	for len(rest) > 0 && rest[0].head() == "local" {
		items := rest[0].list[1:]
		if len(items) > 0 && items[0].leaf && strings.HasPrefix(items[0].atom, "$") {
			if len(items) != 2 {
				return fmt.Errorf("malformed named local")
			}
			vt, err := parseValType(items[1].atom)
			if err != nil {
				return err
			}
			fn.locals = append(fn.locals, vt)
			fn.localNames = append(fn.localNames, items[0].atom)
		} else {
			for _, it := range items {
				vt, err := parseValType(it.atom)
				if err != nil {
					return err
				}
				fn.locals = append(fn.locals, vt)
				fn.localNames = append(fn.localNames, "")
			}
		}
		rest = rest[1:]
	}
	fn.body = rest
	mc.funcs = append(mc.funcs, fn)
	return nil
}

func (mc *moduleCompiler) collectLimits(f *node, reftype string) (*limitsDef, error) {
	d := &limitsDef{}
	rest := f.list[1:]
	if len(rest) > 0 && rest[0].leaf && strings.HasPrefix(rest[0].atom, "$") {
		d.id = rest[0].atom
		rest = rest[1:]
	}
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := exportName(rest[0])
		if err != nil {
			return nil, err
		}
		d.exports = append(d.exports, name)
		rest = rest[1:]
	}
	if reftype != "" {
		// trailing element type atom
		if len(rest) == 0 || !rest[len(rest)-1].leaf || rest[len(rest)-1].atom != reftype {
			return nil, fmt.Errorf("table requires element type %q", reftype)
		}
		rest = rest[:len(rest)-1]
	}
	if len(rest) == 0 || len(rest) > 2 {
		return nil, fmt.Errorf("malformed limits")
	}
	min, err := parseU32(rest[0].atom)
	if err != nil {
		return nil, err
	}
	d.min = min
	if len(rest) == 2 {
		max, err := parseU32(rest[1].atom)
		if err != nil {
			return nil, err
		}
		d.max = max
		d.hasMax = true
	}
	return d, nil
}

func (mc *moduleCompiler) collectGlobal(f *node) error {
	g := &globalDef{}
	rest := f.list[1:]
	if len(rest) > 0 && rest[0].leaf && strings.HasPrefix(rest[0].atom, "$") {
		g.id = rest[0].atom
		rest = rest[1:]
	}
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := exportName(rest[0])
		if err != nil {
			return err
		}
		g.exports = append(g.exports, name)
		rest = rest[1:]
	}
	if len(rest) != 2 {
		return fmt.Errorf("malformed global")
	}
	switch {
	case rest[0].leaf:
		vt, err := parseValType(rest[0].atom)
		if err != nil {
			return err
		}
		g.vt = vt
	case rest[0].head() == "mut":
		if len(rest[0].list) != 2 {
			return fmt.Errorf("malformed mut type")
		}
		vt, err := parseValType(rest[0].list[1].atom)
		if err != nil {
			return err
		}
		g.vt = vt
		g.mut = true
	default:
		return fmt.Errorf("malformed global type")
	}
	g.init = rest[1]
	mc.globals = append(mc.globals, g)
	return nil
}

func (mc *moduleCompiler) collectExport(f *node) error {
	// (export "name" (func $f))
	if len(f.list) != 3 || !f.list[1].str {
		return fmt.Errorf("malformed export")
	}
	desc := f.list[2]
	if len(desc.list) != 2 || !desc.list[1].leaf {
		return fmt.Errorf("malformed export descriptor")
	}
	var kind byte
	switch desc.head() {
	case "func":
		kind = 0
	case "table":
		kind = 1
	case "memory":
		kind = 2
	case "global":
		kind = 3
	default:
		return fmt.Errorf("unknown export kind %q", desc.head())
	}
	mc.exports = append(mc.exports, exportRec{name: f.list[1].atom, kind: kind, ref: desc.list[1].atom})
	return nil
}

func (mc *moduleCompiler) collectElem(f *node) error {
	// (elem (i32.const k) func? $f ...)
	rest := f.list[1:]
	if len(rest) == 0 || rest[0].leaf {
		return fmt.Errorf("malformed elem segment")
	}
	e := &elemDef{offset: rest[0]}
	rest = rest[1:]
	if len(rest) > 0 && rest[0].leaf && rest[0].atom == "func" {
		rest = rest[1:]
	}
	for _, it := range rest {
		if !it.leaf {
			return fmt.Errorf("malformed elem function reference")
		}
		e.funcs = append(e.funcs, it.atom)
	}
	mc.elems = append(mc.elems, e)
	return nil
}

func (mc *moduleCompiler) collectData(f *node) error {
	// (data (i32.const k) "bytes"...)
	rest := f.list[1:]
	if len(rest) == 0 || rest[0].leaf {
		return fmt.Errorf("malformed data segment")
	}
	d := &dataDef{offset: rest[0]}
	for _, it := range rest[1:] {
		if !it.str {
			return fmt.Errorf("data segment expects string literals")
		}
		d.bytes = append(d.bytes, it.atom...)
	}
	mc.datas = append(mc.datas, d)
	return nil
}

// parseSig consumes leading (param ...) and (result ...) forms.
func parseSig(items []*node) (funcType, []string, []*node, error) {
	var ft funcType
	var names []string
	for len(items) > 0 && items[0].head() == "param" {
		ps := items[0].list[1:]
		if len(ps) > 0 && ps[0].leaf && strings.HasPrefix(ps[0].atom, "$") {
			if len(ps) != 2 {
				return ft, nil, nil, fmt.Errorf("malformed named param")
			}
			vt, err := parseValType(ps[1].atom)
			if err != nil {
				return ft, nil, nil, err
			}
			ft.params = append(ft.params, vt)
			names = append(names, ps[0].atom)
		} else {
			for _, p := range ps {
				if !p.leaf {
					return ft, nil, nil, fmt.Errorf("malformed param")
				}
				vt, err := parseValType(p.atom)
				if err != nil {
					return ft, nil, nil, err
				}
				ft.params = append(ft.params, vt)
				names = append(names, "")
			}
		}
		items = items[1:]
	}
	for len(items) > 0 && items[0].head() == "result" {
		for _, r := range items[0].list[1:] {
			if !r.leaf {
				return ft, nil, nil, fmt.Errorf("malformed result")
			}
			vt, err := parseValType(r.atom)
			if err != nil {
				return ft, nil, nil, err
			}
			ft.results = append(ft.results, vt)
		}
		items = items[1:]
	}
	return ft, names, items, nil
}

func exportName(f *node) (string, error) {
	if len(f.list) != 2 || !f.list[1].str {
		return "", fmt.Errorf("malformed inline export")
	}
	return f.list[1].atom, nil
}

func parseU32(s string) (uint32, error) {
	s = strings.ReplaceAll(s, "_", "")
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return uint32(v), nil
}
