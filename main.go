package main

import (
	"os"

	"github.com/hydrowatch/hydrowatch/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
