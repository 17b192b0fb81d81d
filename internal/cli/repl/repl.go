package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Executor runs one command line, already split into words.
type Executor func(args []string) error

// REPL represents the Read-Eval-Print Loop.
type REPL struct {
	input     *bufio.Reader
	output    io.Writer
	prompt    func() string
	exec      Executor
	completer *Completer
	history   *History
}

// New creates a REPL reading lines from in. history may be nil.
func New(in io.Reader, out io.Writer, exec Executor, history *History) *REPL {
	if history == nil {
		history = NewHistory("")
	}
	return &REPL{
		input:     bufio.NewReader(in),
		output:    out,
		prompt:    func() string { return "memscope> " },
		exec:      exec,
		completer: NewCompleter(),
		history:   history,
	}
}

// SetPrompt sets a prompt computed before each line.
func (r *REPL) SetPrompt(prompt func() string) {
	r.prompt = prompt
}

// Run reads and executes lines until exit, quit or end of input. Command
// errors are printed and do not stop the loop.
func (r *REPL) Run() error {
	if err := r.history.Load(); err != nil {
		fmt.Fprintf(r.output, "warning: history not loaded: %v\n", err)
	}
	defer func() {
		if err := r.history.Save(); err != nil {
			fmt.Fprintf(r.output, "warning: history not saved: %v\n", err)
		}
	}()

	for {
		fmt.Fprint(r.output, r.prompt())

		line, err := r.input.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimSpace(line)
		if line == "" {
			if eof {
				fmt.Fprintln(r.output)
				return nil
			}
			continue
		}
		r.history.Add(line)

		if line == "exit" || line == "quit" {
			return nil
		}
		if err := r.execute(line); err != nil {
			fmt.Fprintf(r.output, "Error: %v\n", err)
		}
		if eof {
			return nil
		}
	}
}

func (r *REPL) execute(line string) error {
	args, err := Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	if line == "history" {
		for i, e := range r.history.Entries() {
			fmt.Fprintf(r.output, "%4d  %s\n", i+1, e)
		}
		return nil
	}
	if !r.completer.Known(args[0]) {
		if s := r.completer.Complete(args[0]); len(s) > 0 {
			return fmt.Errorf("unknown command %q, did you mean: %s", args[0], strings.Join(s, ", "))
		}
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	return r.exec(args)
}

// Split breaks a line into words. Single and double quotes group words and
// a backslash escapes the next character outside single quotes.
func Split(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, ch := range line {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case ch == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteRune(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == ' ' || ch == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(ch)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
