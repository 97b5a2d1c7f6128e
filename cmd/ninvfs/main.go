package main

import (
	"github.com/connesc/ninvfs/internal/cmd"
)

func main() {
	cmd.Execute()
}
