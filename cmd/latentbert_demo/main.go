// latentbert_demo encodes text typed by the user into the fixed-size latent
// representation of the hybrid encoder, and displays a summary of it.
//
// It uses github.com/charmbracelet libraries to make for a pretty
// command-line UI.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gomlx/exceptions"
)

func main() {
	flag.Parse()

	var p *tea.Program
	err := exceptions.TryCatch[error](func() { p = tea.NewProgram(newUIModel()) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
	_, err = p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
}
