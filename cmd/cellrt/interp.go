package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/cellrt/pkg/runtime"
)

// errUnsupported is returned for a statement the line interpreter does not
// understand.
var errUnsupported = errors.New("unsupported statement")

// lineInterpreter runs a tiny subset of Lua, one statement per line, enough
// to exercise the runtime from the command line:
//
//	print("text") | print(42)   write to the host debug channel
//	dofile("name")               run another file of the mounted filesystem
//	exit(n)                      end the guest through the host
//	return n                     stop the script with code n
//	-- comment
type lineInterpreter struct {
	depth int
}

const maxIncludeDepth = 16

func (in *lineInterpreter) Eval(rt *runtime.Runtime, name string, code []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(code))
	for line := 1; sc.Scan(); line++ {
		stmt := strings.TrimSpace(sc.Text())
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if err := in.exec(rt, stmt); err != nil {
			return fmt.Errorf("%s:%d: %w", name, line, err)
		}
	}
	return sc.Err()
}

func (in *lineInterpreter) exec(rt *runtime.Runtime, stmt string) error {
	if rest, ok := strings.CutPrefix(stmt, "return "); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 8)
		if err != nil {
			return fmt.Errorf("return: %w", err)
		}
		return runtime.ExitScript(int8(n))
	}

	fn, arg, ok := call(stmt)
	if !ok {
		return fmt.Errorf("%w: %q", errUnsupported, stmt)
	}
	switch fn {
	case "print":
		if s, err := strconv.Unquote(arg); err == nil {
			arg = s
		}
		rt.Debug(arg)
		return nil
	case "exit":
		n, err := strconv.ParseInt(arg, 10, 8)
		if err != nil {
			return fmt.Errorf("exit: %w", err)
		}
		return rt.Exit(int8(n))
	case "dofile":
		file, err := strconv.Unquote(arg)
		if err != nil {
			return fmt.Errorf("dofile: file name must be a string")
		}
		return in.include(rt, file)
	default:
		return fmt.Errorf("%w: %s", errUnsupported, fn)
	}
}

func (in *lineInterpreter) include(rt *runtime.Runtime, file string) error {
	if in.depth >= maxIncludeDepth {
		return fmt.Errorf("dofile %s: nested too deeply", file)
	}
	h, err := rt.Open(file)
	if err != nil {
		return err
	}
	defer h.Release()

	in.depth++
	defer func() { in.depth-- }()
	return in.Eval(rt, file, h.Content)
}

// call splits `fn(arg)` into its parts.
func call(stmt string) (fn, arg string, ok bool) {
	open := strings.IndexByte(stmt, '(')
	if open <= 0 || !strings.HasSuffix(stmt, ")") {
		return "", "", false
	}
	return strings.TrimSpace(stmt[:open]), strings.TrimSpace(stmt[open+1 : len(stmt)-1]), true
}
