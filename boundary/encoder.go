package boundary

import (
	"fmt"
	"strings"

	"github.com/yairchu/inline-wat/errors"
	"github.com/yairchu/inline-wat/funcptr"
	"github.com/yairchu/inline-wat/inline"
)

// Names of the generated wrapper's fixed exports.
const (
	EntryExport = "__bp_entry"
	TableExport = "__bp_table"
)

// pageSize is the wasm linear memory page size.
const pageSize = 65536

// EncodeOptions tunes wrapper generation.
type EncodeOptions struct {
	// Adapters are funcptr declarations to splice at module scope.
	Adapters []*funcptr.Generated
	// TableSize is the funcref table size, default 16.
	TableSize uint32
}

// Encode wraps a fragment into a complete WAT module implementing the
// boundary protocol:
//
//   - intrinsic imports from the "boundary" host module
//   - exported memory and the stack-discipline bump allocator
//   - the exported funcref table for callable crossings
//   - typed throw helpers returning the declared result's placeholder,
//     so a raise typechecks in any result position
//   - the fragment's hoisted forms
//   - the entry __bp_entry taking the user params plus the channel
//     base as its final parameter
//
// The channel parameter comes last so the fragment's positional
// references to its own parameters keep their indices.
func Encode(frag *inline.Fragment, opts *EncodeOptions) (string, error) {
	if opts == nil {
		opts = &EncodeOptions{}
	}
	tableSize := opts.TableSize
	if tableSize == 0 {
		tableSize = 16
	}

	var hoistedImports, hoisted []string
	for _, h := range frag.Hoisted {
		head := formHead(h)
		switch head {
		case "memory", "table":
			return "", errors.Unsupported(errors.PhaseGenerate,
				fmt.Sprintf("fragment declares its own %s; the wrapper owns it", head))
		case "import":
			hoistedImports = append(hoistedImports, h)
		default:
			hoisted = append(hoisted, h)
		}
	}

	var b strings.Builder
	b.WriteString("(module\n")

	// Intrinsic imports. Fragments raise through the typed helpers
	// below rather than calling these directly.
	fmt.Fprintf(&b, "  (import %q %q (func $__bp_raise_std (param i32 i32 i32 i32)))\n",
		HostModuleName, IntrinsicRaiseStd)
	fmt.Fprintf(&b, "  (import %q %q (func $__bp_raise_any (param i32 i32)))\n",
		HostModuleName, IntrinsicRaiseAny)
	fmt.Fprintf(&b, "  (import %q %q (func $__bp_rethrow (param i32)))\n",
		HostModuleName, IntrinsicRethrow)
	fmt.Fprintf(&b, "  (import %q %q (func $__bp_dispatch (param i32 i32) (result i64)))\n",
		HostModuleName, IntrinsicDispatch)
	for _, h := range hoistedImports {
		b.WriteString("  " + h + "\n")
	}

	// Page 0 belongs to fragment data segments, the bump heap starts at
	// page 1 and grows on demand.
	fmt.Fprintf(&b, "  (memory (export %q) 2)\n", "memory")
	fmt.Fprintf(&b, "  (table (export %q) %d funcref)\n", TableExport, tableSize)
	writeAllocator(&b)
	writeThrowHelpers(&b, frag.Result)

	for _, a := range opts.Adapters {
		b.WriteString(indent(a.Text) + "\n")
	}
	for _, h := range hoisted {
		b.WriteString("  " + h + "\n")
	}

	writeEntry(&b, frag)
	b.WriteString(")\n")
	return b.String(), nil
}

func writeAllocator(b *strings.Builder) {
	fmt.Fprintf(b, `  (global $__bp_sp (mut i32) (i32.const %d))
  (func $__bp_alloc (export "__bp_alloc") (param $size i32) (param $align i32) (result i32)
    (local $p i32)
    (local.set $p
      (i32.and
        (i32.add (global.get $__bp_sp) (i32.sub (local.get $align) (i32.const 1)))
        (i32.sub (i32.const 0) (local.get $align))))
    (global.set $__bp_sp (i32.add (local.get $p) (local.get $size)))
    (if (i32.gt_u (global.get $__bp_sp) (i32.mul (memory.size) (i32.const %d)))
      (then
        (drop (memory.grow
          (i32.div_u
            (i32.add
              (i32.sub (global.get $__bp_sp) (i32.mul (memory.size) (i32.const %d)))
              (i32.const %d))
            (i32.const %d))))))
    (local.get $p))
  (func $__bp_free (export "__bp_free") (param $ptr i32) (param $size i32)
    (if (i32.eq (i32.add (local.get $ptr) (local.get $size)) (global.get $__bp_sp))
      (then (global.set $__bp_sp (local.get $ptr)))))
  (func $__bp_mark (export "__bp_mark") (result i32)
    (global.get $__bp_sp))
  (func $__bp_release (export "__bp_release") (param $m i32)
    (global.set $__bp_sp (local.get $m)))
`, pageSize, pageSize, pageSize, pageSize-1, pageSize)
}

// writeThrowHelpers emits the fragment-facing raise functions. Each
// ends with the declared result's placeholder: the unwind makes it
// dead, it exists so a raise validates in any result position.
func writeThrowHelpers(b *strings.Builder, result string) {
	res := ""
	if result != "" {
		res = fmt.Sprintf(" (result %s)", result)
	}
	ph := ""
	if p := inline.Placeholder(result); p != "" {
		ph = "\n    " + p
	}

	fmt.Fprintf(b, `  (func $throw (param $mp i32) (param $ml i32)%s
    (call $__bp_raise_std (local.get $mp) (local.get $ml) (i32.const 0) (i32.const 0))%s)
  (func $throw_std (param $mp i32) (param $ml i32) (param $tp i32) (param $tl i32)%s
    (call $__bp_raise_std (local.get $mp) (local.get $ml) (local.get $tp) (local.get $tl))%s)
  (func $throw_any (param $tp i32) (param $tl i32)%s
    (call $__bp_raise_any (local.get $tp) (local.get $tl))%s)
  (func $rethrow (param $tok i32)%s
    (call $__bp_rethrow (local.get $tok))%s)
`, res, ph, res, ph, res, ph, res, ph)
}

func writeEntry(b *strings.Builder, frag *inline.Fragment) {
	fmt.Fprintf(b, "  (func (export %q)", EntryExport)
	for _, p := range frag.Params {
		if p.Name != "" {
			fmt.Fprintf(b, " (param %s %s)", p.Name, p.Type)
		} else {
			fmt.Fprintf(b, " (param %s)", p.Type)
		}
	}
	b.WriteString(" (param $__bp_chan i32)")
	if frag.Result != "" {
		fmt.Fprintf(b, " (result %s)", frag.Result)
	}
	b.WriteString("\n")
	// The classification slot starts as NoException; the decoder zeroed
	// the channel, this keeps the wrapper correct on its own terms.
	b.WriteString("    (i64.store offset=0 (local.get $__bp_chan) (i64.const 0))\n")
	if frag.Body != "" {
		b.WriteString(indent(frag.Body) + "\n")
	}
	b.WriteString("  )\n")
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

func formHead(text string) string {
	inner := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "("))
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
			return inner[:i]
		}
	}
	return inner
}
