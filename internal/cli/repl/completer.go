package repl

import (
	"sort"
	"strings"
)

// Completer knows the shell's commands.
type Completer struct {
	roots    map[string]struct{}
	commands []string
}

// NewCompleter creates a new Completer.
func NewCompleter() *Completer {
	commands := []string{
		"connect", "disconnect", "connections", "ls", "use", "status", "ping",
		"keys", "keys list", "keys get", "keys set", "keys delete", "key", "k",
		"flush", "help", "h", "history", "exit", "quit",
	}
	c := &Completer{roots: make(map[string]struct{}), commands: commands}
	for _, cmd := range commands {
		root, _, _ := strings.Cut(cmd, " ")
		c.roots[root] = struct{}{}
	}
	return c
}

// Known reports whether word starts a command or is a flag.
func (c *Completer) Known(word string) bool {
	if strings.HasPrefix(word, "-") {
		return true
	}
	_, ok := c.roots[word]
	return ok
}

// Complete returns the commands starting with prefix, sorted.
func (c *Completer) Complete(prefix string) []string {
	var suggestions []string
	for _, cmd := range c.commands {
		if strings.HasPrefix(cmd, prefix) {
			suggestions = append(suggestions, cmd)
		}
	}
	sort.Strings(suggestions)
	return suggestions
}
