package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	bannerStyle = color.New(color.Bold, color.FgCyan)
	fieldStyle  = color.New(color.Faint)
)

// printBanner writes the startup banner, colorized only when stdout is a
// terminal (spec.md carries no UI requirement here; this is purely
// operator-facing daemon output).
func printBanner(instanceID, hostname string, peerEnabled bool) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(os.Stdout, "termmgrd starting: instance=%s host=%s peer-fabric=%v\n",
			instanceID, hostname, peerEnabled)
		return
	}

	bannerStyle.Println("termmgrd")
	fieldStyle.Printf("  instance    %s\n", instanceID)
	fieldStyle.Printf("  host        %s\n", hostname)
	fieldStyle.Printf("  peer fabric %v\n", peerEnabled)
}
