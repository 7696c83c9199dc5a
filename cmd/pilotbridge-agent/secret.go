package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readSecret prompts on stdout and reads a line from stdin without echoing it,
// falling back to a visible read if stdin is not a terminal (e.g. piped input
// during scripted setup).
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var v string
		if _, err := fmt.Scanln(&v); err != nil {
			return "", err
		}
		return v, nil
	}

	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
