package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const tokenPrompt = "Enter your Discord bot token: "

var errEmptyToken = errors.New("no bot token entered")

// promptToken asks for the bot token on out and reads it from in. Echo is
// turned off when in is a terminal.
func promptToken(in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, tokenPrompt)

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return checkToken(string(b))
	}
	return readToken(in)
}

// readToken reads the first line of r.
func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return checkToken(line)
}

func checkToken(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Bot ")
	if s == "" {
		return "", errEmptyToken
	}
	return s, nil
}
