// runwatch runs a runtime security monitor or syscall tracer alongside a CI
// job and reports what it saw.
package main

import "github.com/ppiankov/runwatch/internal/cli"

func main() {
	cli.Execute()
}
