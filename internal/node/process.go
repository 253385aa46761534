package node

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tinkerbelle-io/tb-harden/internal/manifest"
)

// Processes reads live command lines from the process table.
type Processes struct {
	runner Runner
}

// NewProcesses creates a process lister.
func NewProcesses(runner Runner) *Processes {
	return &Processes{runner: runner}
}

// CommandLine returns the arguments of the first process whose executable
// base name is binary. ok is false when no such process runs.
func (p *Processes) CommandLine(ctx context.Context, binary string) ([]manifest.Argument, bool, error) {
	out, err := run(ctx, p.runner, "ps", "-ww", "-eo", "args=")
	if err != nil {
		return nil, false, fmt.Errorf("list processes: %w", err)
	}
	args, ok := findProcess(out, binary)
	return args, ok, nil
}

func findProcess(psOutput, binary string) ([]manifest.Argument, bool) {
	for _, line := range lines(psOutput) {
		fields := strings.Fields(line)
		if len(fields) == 0 || filepath.Base(fields[0]) != binary {
			continue
		}
		return manifest.ParseArguments(fields), true
	}
	return nil, false
}
