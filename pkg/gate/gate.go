// Package gate issues the confirmation tokens Retire requires.
//
// A Gate never talks to a backend. It only establishes that an operator meant
// to destroy one specific datastore.
package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Gate issues a confirmation for a named datastore.
type Gate interface {
	Confirm(ctx context.Context, datastore string) (*engine.Confirmation, error)
}

func notConfirmed(msg, datastore string) error {
	return engine.NewValidationError(msg, nil).
		WithCode(engine.ErrCodeNotConfirmed).
		WithResource(datastore)
}

// Static confirms when the operator passed the datastore name up front,
// usually with --confirm.
type Static struct {
	Name string
}

// Confirm implements Gate.
func (s Static) Confirm(_ context.Context, datastore string) (*engine.Confirmation, error) {
	switch {
	case s.Name == "":
		return nil, notConfirmed("no confirmation given; pass --confirm with the datastore name", datastore)
	case s.Name != datastore:
		return nil, notConfirmed(fmt.Sprintf("confirmation %q does not match datastore %q", s.Name, datastore), datastore)
	}
	return engine.NewConfirmation(datastore), nil
}

// Prompt asks the operator to type the datastore name.
type Prompt struct {
	In  io.Reader
	Out io.Writer

	// Interactive reports whether In is a terminal. Nil means stdin is checked.
	Interactive func() bool
}

// NewPrompt returns a prompt on stdin and stderr.
func NewPrompt() *Prompt {
	return &Prompt{In: os.Stdin, Out: os.Stderr}
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Confirm implements Gate. A closed input or a mismatched answer refuses.
func (p *Prompt) Confirm(ctx context.Context, datastore string) (*engine.Confirmation, error) {
	interactive := p.Interactive
	if interactive == nil {
		interactive = stdinIsTerminal
	}
	if !interactive() {
		return nil, notConfirmed("stdin is not a terminal; pass --confirm with the datastore name", datastore)
	}

	fmt.Fprintf(p.Out, "This permanently deletes datastore %s and its array volume.\n", datastore)
	fmt.Fprintf(p.Out, "Type the datastore name to confirm: ")

	answers := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		answers <- strings.TrimRight(line, "\r\n")
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errs:
		return nil, notConfirmed(fmt.Sprintf("no confirmation read: %v", err), datastore)
	case answer := <-answers:
		if strings.TrimSpace(answer) != datastore {
			return nil, notConfirmed(fmt.Sprintf("typed %q, expected %q", answer, datastore), datastore)
		}
	}
	return engine.NewConfirmation(datastore), nil
}
