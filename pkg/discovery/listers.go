package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable lists processes through gopsutil. Names are short executable
// names, so a JVM workload is listed as "java".
type ProcessTable struct{}

// Processes returns every process whose name can be read.
func (ProcessTable) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited or not readable
			continue
		}
		out = append(out, Process{PID: p.Pid, Name: name})
	}
	return out, nil
}

// CommandLine returns the command line of pid.
func (ProcessTable) CommandLine(ctx context.Context, pid int32) (string, error) {
	return commandLine(ctx, pid)
}

// JPS lists JVMs with `jps -l`, naming each by its main class or jar.
type JPS struct {
	// Path to the jps binary; "jps" is looked up in PATH when empty.
	Path string
}

// Processes runs jps and parses its "<pid> <main class>" lines.
func (j JPS) Processes(ctx context.Context) ([]Process, error) {
	bin := j.Path
	if bin == "" {
		bin = "jps"
	}

	cmd := exec.CommandContext(ctx, bin, "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("jps failed: %v (%s)", err, strings.TrimSpace(stderr.String()))
	}

	return parseJPS(&stdout), nil
}

// CommandLine returns the command line of pid.
func (JPS) CommandLine(ctx context.Context, pid int32) (string, error) {
	return commandLine(ctx, pid)
}

func parseJPS(out *bytes.Buffer) []Process {
	var procs []Process
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		name := ""
		if len(fields) > 1 {
			name = fields[1]
		}
		procs = append(procs, Process{PID: int32(pid), Name: name})
	}
	return procs
}

func commandLine(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.CmdlineWithContext(ctx)
}
