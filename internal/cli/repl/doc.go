// Package repl runs memscope-cli commands interactively. Lines are split
// shell-style and handed to an Executor; the first word is checked against
// the known commands so a typo gets suggestions instead of a usage dump.
package repl
