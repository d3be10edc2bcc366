package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/yairchu/inline-wat/boundary"
	"github.com/yairchu/inline-wat/runtime"
)

func main() {
	var (
		file        = flag.String("file", "", "Path to a fragment source file")
		expr        = flag.String("expr", "", "Fragment source text")
		argsStr     = flag.String("args", "", "Fragment arguments (comma-separated)")
		showWAT     = flag.Bool("wat", false, "Print the generated wrapper module and exit")
		tryStyle    = flag.Bool("try", false, "Report exceptions as classified values instead of raising")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	src := *expr
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		src = string(data)
	}
	if src == "" {
		fmt.Fprintln(os.Stderr, "Usage: inline-wat -expr '(result i32) (i32.const 42)' [-args 1,2]")
		fmt.Fprintln(os.Stderr, "       inline-wat -file fragment.wat [-args 1,2] [-try] [-wat]")
		fmt.Fprintln(os.Stderr, "       inline-wat -i  (interactive mode)")
		os.Exit(1)
	}

	if err := run(src, *argsStr, *showWAT, *tryStyle); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(src, argsStr string, showWAT, tryStyle bool) error {
	ctx := context.Background()

	rt, err := runtime.New(ctx)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	frag, err := rt.CompileFragment(ctx, src)
	if err != nil {
		return fmt.Errorf("compile fragment: %w", err)
	}
	defer frag.Close(ctx)

	if showWAT {
		fmt.Print(frag.WAT())
		return nil
	}

	fmt.Printf("Fragment: %s\n", formatSignature(frag))

	args, err := parseArgs(frag, argsStr)
	if err != nil {
		return err
	}

	instance, err := frag.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer instance.Close(ctx)

	if tryStyle {
		value, exc, err := instance.Try(ctx, args...)
		if err != nil {
			return err
		}
		if exc != nil {
			fmt.Printf("Exception [%s]: %v\n", exc.Classification(), exc)
			closeSnapshot(exc)
			return nil
		}
		fmt.Printf("Result: %v\n", value)
		return nil
	}

	value, err := instance.Throw(ctx, args...)
	if err != nil {
		if exc, ok := err.(boundary.Exception); ok {
			defer closeSnapshot(exc)
		}
		return fmt.Errorf("call fragment: %w", err)
	}
	if frag.Result() != "" {
		fmt.Printf("Result: %v\n", value)
	}
	return nil
}

func formatSignature(frag *runtime.Fragment) string {
	var params []string
	for i, p := range frag.Params() {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		params = append(params, name+": "+p.Type)
	}
	result := ""
	if frag.Result() != "" {
		result = " -> " + frag.Result()
	}
	return "(" + strings.Join(params, ", ") + ")" + result
}

func parseArgs(frag *runtime.Fragment, argsStr string) ([]any, error) {
	var fields []string
	if argsStr != "" {
		fields = strings.Split(argsStr, ",")
	}
	params := frag.Params()
	if len(fields) != len(params) {
		return nil, fmt.Errorf("fragment takes %d arguments, got %d", len(params), len(fields))
	}
	args := make([]any, len(fields))
	for i, f := range fields {
		v, err := parseArg(strings.TrimSpace(f), params[i].Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func parseArg(value, declared string) (any, error) {
	switch declared {
	case "i32":
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case "i64":
		v, err := strconv.ParseInt(value, 10, 64)
		return v, err
	case "f32":
		v, err := strconv.ParseFloat(value, 32)
		return float32(v), err
	case "f64":
		return strconv.ParseFloat(value, 64)
	}
	return nil, fmt.Errorf("unsupported parameter type %q", declared)
}

func closeSnapshot(exc boundary.Exception) {
	switch e := exc.(type) {
	case *boundary.StdException:
		e.Snapshot.Close()
	case *boundary.UnknownException:
		e.Snapshot.Close()
	}
}
