package native

import (
	"fmt"
	"io"
)

// PrintStream represents a java.io.PrintStream such as System.out.
type PrintStream struct {
	Writer io.Writer
}

// Println prints a value followed by a newline.
func (ps *PrintStream) Println(args ...interface{}) {
	if len(args) == 0 {
		fmt.Fprintln(ps.Writer)
		return
	}
	fmt.Fprintln(ps.Writer, args[0])
}

// Print prints a value without a newline.
func (ps *PrintStream) Print(v interface{}) {
	fmt.Fprint(ps.Writer, v)
}
