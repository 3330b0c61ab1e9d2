// Package subprocess forwards the output of external commands (ffmpeg,
// ffprobe) onto our own stdout/stderr so their noise ends up in the worker's
// log stream.
package subprocess

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/vodarchive/worker/log"
)

func streamOutput(src io.Reader, out io.Writer) {
	r := bufio.NewReader(src)
	for {
		line, err := r.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err == io.EOF {
			log.LogNoJobID("streamOutput() improper termination", "line", line)
			return
		}
		if err != nil {
			log.LogNoJobID("streamOutput ReadSlice error", "err", err)
			return
		}
		if _, err = out.Write(line); err != nil {
			log.LogNoJobID("streamOutput out.Write error", "err", err)
			return
		}
	}
}

// LogOutputs starts goroutines copying cmd's stdout and stderr to ours. Must
// be called before cmd.Start.
func LogOutputs(cmd *exec.Cmd) error {
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %s", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %s", err)
	}
	go streamOutput(stderrPipe, os.Stderr)
	go streamOutput(stdoutPipe, os.Stdout)
	return nil
}
