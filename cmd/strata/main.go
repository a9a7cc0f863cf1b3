// Command strata is a thin reference harness over the scheduler library:
// it resolves a plan, runs it, and marshals the RunCommandEvent stream to
// newline-delimited JSON on stdout. It is not a product CLI -- no colored
// console rendering, per spec.md section 1.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
