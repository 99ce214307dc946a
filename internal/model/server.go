package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// serverProcess is an inference server spawned by the runtime.
type serverProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	mu     sync.Mutex
	err    error
	logger *slog.Logger
}

// startServer launches argv with CUDA_VISIBLE_DEVICES set when gpu is non-empty.
// Output is forwarded to the logger line by line.
func startServer(argv []string, gpu string, logger *slog.Logger) (*serverProcess, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty server command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if gpu != "" {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+gpu)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	s := &serverProcess{cmd: cmd, done: make(chan struct{}), logger: logger.With("pid", cmd.Process.Pid)}

	go s.readOutput(pr)
	go func() {
		err := cmd.Wait()
		pw.Close()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("Inference server exited", "error", err)
	}()

	s.logger.Info("Inference server started", "command", argv[0])
	return s, nil
}

func (s *serverProcess) readOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("inference server", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("Inference server output not logged", "error", err)
	}
	// Keep the pipe flowing so the process never blocks on a write.
	_, _ = io.Copy(io.Discard, r)
}

// exited reports whether the process has ended, and its wait error.
func (s *serverProcess) exited() (bool, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return true, s.err
	default:
		return false, nil
	}
}

// stop interrupts the process and kills it after grace.
func (s *serverProcess) stop(grace time.Duration) {
	if done, _ := s.exited(); done {
		return
	}
	_ = s.cmd.Process.Signal(os.Interrupt)
	select {
	case <-s.done:
	case <-time.After(grace):
		_ = s.cmd.Process.Kill()
		<-s.done
	}
}
