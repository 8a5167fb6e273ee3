package main

import (
	"context"
	"os"

	"github.com/rollcall/rollcall/cmd/rollcall/commands"
)

func main() {
	if err := commands.NewCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
