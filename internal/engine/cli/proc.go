package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/grovehq/grove/internal/common/logger"
	"go.uber.org/zap"
)

// stderrTailBytes bounds the retained stderr tail used to enrich
// failure messages when a CLI dies without reporting a result.
const stderrTailBytes = 8 * 1024

// procSpec describes the subprocess to spawn.
type procSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// proc owns one CLI subprocess: its pipes, the stdout line pump, a
// bounded stderr tail and the exit watcher. Lines are handed to the
// session synchronously, so by the time done() closes no further lines
// will be delivered.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *logger.Logger

	writeMu   sync.Mutex
	stdinOnce sync.Once

	tail tailBuffer

	readers sync.WaitGroup
	doneCh  chan struct{}
	exitErr error
}

// newProc spawns the process and begins consuming stderr. Call start to
// begin the stdout line pump; the caller must do so exactly once.
func newProc(spec procSpec, log *logger.Logger) (*proc, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		log:    log,
		tail:   tailBuffer{max: stderrTailBytes},
		doneCh: make(chan struct{}),
	}
	p.readers.Add(1)
	go func() {
		defer p.readers.Done()
		p.tail.consume(stderr)
	}()
	return p, nil
}

// start begins the stdout line pump and the exit watcher. onLine is
// called once per non-empty line, on a single goroutine.
func (p *proc) start(onLine func(line []byte)) {
	p.readers.Add(1)
	go func() {
		defer p.readers.Done()
		scanner := bufio.NewScanner(p.stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			onLine(line)
		}
		if err := scanner.Err(); err != nil {
			p.log.Debug("stdout read ended", zap.Error(err))
		}
	}()
	go func() {
		p.readers.Wait()
		p.exitErr = p.cmd.Wait()
		close(p.doneCh)
	}()
}

func (p *proc) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *proc) closeStdin() {
	p.stdinOnce.Do(func() {
		_ = p.stdin.Close()
	})
}

// stop terminates the process group: a graceful signal first, then a
// hard kill after grace or once the caller's patience runs out.
func (p *proc) stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid

	if err := terminateProcessGroup(pid); err != nil {
		_ = terminateProcess(p.cmd.Process)
	}

	select {
	case <-p.doneCh:
		return
	case <-time.After(grace):
	}

	if err := killProcessGroup(pid); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *proc) done() <-chan struct{} { return p.doneCh }

// waitErr reports the exit error. Only meaningful after done is closed.
func (p *proc) waitErr() error { return p.exitErr }

func (p *proc) stderrTail() string { return p.tail.String() }

var _ transport = (*proc)(nil)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) consume(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (b *tailBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
