package main

import (
	"context"
	"os"

	"github.com/kyleking/sqlcontext/cmd"
)

func main() {
	if err := cmd.Execute(context.Background(), os.Args); err != nil {
		os.Exit(1)
	}
}
