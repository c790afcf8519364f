package main

import (
	"github.com/rudransh-shrivastava/mesh-it/internal/client/cmd"
)

func main() {
	cmd.Execute()
}
