package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// linePrompter asks yes/no questions: the question goes to out, the answer is
// read as one line from in. Anything other than y/yes is a no.
type linePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

type promptAnswer struct {
	line string
	err  error
}

func (p *linePrompter) Ask(ctx context.Context, question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintf(p.out, "%s [y/N]: ", question); err != nil {
		return false, err
	}
	ch := make(chan promptAnswer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- promptAnswer{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && !errors.Is(ans.err, io.EOF) {
			return false, ans.err
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
