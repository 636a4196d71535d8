// Package pinentry prompts for a FIDO2 PIN on a terminal without
// echoing it, the way the teacher's provisioning tools put stdin into
// raw mode for interactive prompts.
package pinentry

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ReadPIN prompts on out and reads a PIN from in without echoing it.
// When in is a terminal, input is read via term.ReadPassword so
// keystrokes never appear on screen; otherwise (e.g. a piped test
// fixture) it falls back to a plain line read.
func ReadPIN(prompt string, in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, prompt)

	if term.IsTerminal(int(in.Fd())) {
		pin, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("pinentry: read PIN: %w", err)
		}
		return string(pin), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("pinentry: read PIN: %w", err)
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
