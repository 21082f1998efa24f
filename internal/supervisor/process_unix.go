//go:build !windows

package supervisor

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// startProcess starts the CLI process and returns its output readers. The
// task prompt is delivered on stdin. In PTY mode stdout and stderr arrive as
// one combined stream; in pipe mode they are separate.
func (s *Supervisor) startProcess(cmd *exec.Cmd, prompt string) (stdout, stderr io.Reader, err error) {
	if s.agentCfg.UsePTY {
		// pty.Start calls cmd.Start internally. Setsid from the PTY replaces
		// the Setpgid attribute, so clear it first.
		cmd.SysProcAttr = nil
		f, ptyErr := pty.Start(cmd)
		if ptyErr != nil {
			return nil, nil, ptyErr
		}
		go func() {
			_, _ = io.WriteString(f, prompt+"\n")
		}()
		return f, nil, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	go func() {
		defer stdin.Close()
		_, _ = io.WriteString(stdin, prompt)
	}()

	return outPipe, errPipe, nil
}
