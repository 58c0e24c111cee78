package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExporter runs an external command to produce exports. Every
// occurrence of "{project}" in the arguments is replaced with the project.
type CommandExporter struct {
	Command []string
	Dir     string
}

// Export runs the command and returns its combined output on failure.
func (c *CommandExporter) Export(ctx context.Context, project string) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no export command configured")
	}
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = strings.ReplaceAll(a, "{project}", project)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}
