// Command weather-stub serves the weather sidecar contract without Python.
// Point the supervisor's runtime at this binary (the script argument is
// ignored) or run it directly with --server --port N.
package main

import (
	"os"

	"github.com/loykin/sidecar/internal/stub"
)

func main() {
	os.Exit(stub.Main(os.Args[1:]))
}
