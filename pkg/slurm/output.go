package slurm

import (
	"os"
	"strings"
)

// maxOutputLines caps how much of a Slurm output file a logs read returns.
const maxOutputLines = 1000

// ReadOutput reads a Slurm stdout/stderr file, returning at most the last
// maxOutputLines lines. A missing file reads as empty.
func ReadOutput(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > maxOutputLines {
		return "... (truncated) ...\n" + strings.Join(lines[len(lines)-maxOutputLines:], "")
	}
	return string(data)
}
