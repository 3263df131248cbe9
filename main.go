package main

import (
	"github.com/flowplane/flowplane/cmd"
)

func main() {
	cmd.Execute()
}
