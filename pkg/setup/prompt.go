package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

// Answers pre-answer the initialization prompts.
type Answers struct {
	Yes bool
	// Ints answer the numeric prompts in order: key shares, then threshold.
	Ints []int
}

// TerminalPrompter asks on stdin. Without a terminal only pre-answered
// questions can be asked.
type TerminalPrompter struct {
	answers Answers
	in      *bufio.Reader
	out     io.Writer
	tty     bool
}

func NewTerminalPrompter(answers Answers) *TerminalPrompter {
	return newPrompter(answers, os.Stdin, os.Stderr, term.IsTerminal(int(os.Stdin.Fd())))
}

func newPrompter(answers Answers, in io.Reader, out io.Writer, tty bool) *TerminalPrompter {
	return &TerminalPrompter{answers: answers, in: bufio.NewReader(in), out: out, tty: tty}
}

func (p *TerminalPrompter) readLine(msg string) (string, error) {
	if !p.tty {
		return "", errors.Newf("cannot prompt %q: stdin is not a terminal", strings.TrimSpace(msg))
	}
	fmt.Fprint(p.out, msg)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrap(err, "read answer")
	}
	return strings.TrimSpace(line), nil
}

func (p *TerminalPrompter) Confirm(msg string) (bool, error) {
	if p.answers.Yes {
		return true, nil
	}
	line, err := p.readLine(msg)
	if err != nil {
		return false, err
	}
	return line == "yes", nil
}

func (p *TerminalPrompter) Int(msg string) (int, error) {
	if len(p.answers.Ints) > 0 {
		n := p.answers.Ints[0]
		p.answers.Ints = p.answers.Ints[1:]
		return n, nil
	}
	line, err := p.readLine(msg)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, errors.Newf("%q is not a number", line)
	}
	return n, nil
}
