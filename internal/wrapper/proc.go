package wrapper

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// procHandle abstracts the underlying pseudo-terminal process so the
// state machine can be exercised with a stub in tests.
type procHandle interface {
	PID() int
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	Output() <-chan []byte
	Done() <-chan struct{}
}

// spawnFunc creates a process handle. The default implementation starts
// the command under a PTY.
type spawnFunc func(command string, args []string, cwd string, cols, rows uint16) (procHandle, error)

type ptyProc struct {
	cmd    *exec.Cmd
	file   *os.File
	output chan []byte
	done   chan struct{}
}

func spawnPTY(command string, args []string, cwd string, cols, rows uint16) (procHandle, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	p := &ptyProc{
		cmd:    cmd,
		file:   f,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	go p.readLoop()
	go func() {
		cmd.Wait()
		close(p.done)
		f.Close()
	}()

	return p, nil
}

func (p *ptyProc) readLoop() {
	defer close(p.output)
	buf := make([]byte, 4096)
	for {
		n, err := p.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProc) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

func (p *ptyProc) Resize(cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ptyProc) Output() <-chan []byte {
	return p.output
}

func (p *ptyProc) Done() <-chan struct{} {
	return p.done
}

// processAlive reports whether a PID refers to a live process. Signal 0
// checks existence without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
