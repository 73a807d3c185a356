// The main package for the crawler executable.
package main

import (
	"github.com/brandlens/crawler/cmd"
)

func main() {
	cmd.Execute()
}
