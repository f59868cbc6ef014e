package main

import (
	"github.com/nfrund/blenny/cmd/blenny-cli/cmd"
)

func main() {
	cmd.Execute()
}
