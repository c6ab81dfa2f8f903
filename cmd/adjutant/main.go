// adjutant is the coordination backend for multi-agent coding sessions.
package main

import (
	"os"

	"github.com/LupusDei/adjutant/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
