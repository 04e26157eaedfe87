package main

import (
	"context"
	"os"
	"os/signal"
)

// An amd64 linker back-end: ELF objects in, plan9, ELF, Mach-O or PE images out

const versionString = "l67 0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
