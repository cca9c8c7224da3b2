package browser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultFirefoxBinary   = "firefox"
	defaultPortPlaceholder = "7055"
)

// execProcess is an engine started as a child process.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startProcess(name string, args []string, logger *zap.Logger) (*execProcess, error) {
	cmd := exec.Command(name, args...) //nolint:gosec // operator configured binary
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logger.Debug("engine process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) kill() error {
	if !p.alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-p.done
	return nil
}

// startFirefox prepares a profile whose command-socket extension listens on
// port and launches firefox against it.
func startFirefox(opts Options, dir string, port int, logger *zap.Logger) (process, error) {
	if err := prepareProfile(opts, dir, port); err != nil {
		return nil, err
	}
	binary := opts.Binary
	if binary == "" {
		binary = defaultFirefoxBinary
	}
	return startProcess(binary, []string{"-no-remote", "-profile", dir}, logger)
}

func prepareProfile(opts Options, dir string, port int) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if opts.TemplateDir == "" {
		return errors.New("firefox needs a profile template directory")
	}
	if err := copyTree(opts.TemplateDir, dir); err != nil {
		return fmt.Errorf("copy profile template: %w", err)
	}
	if opts.PortFile == "" {
		return nil
	}
	placeholder := opts.PortPlaceholder
	if placeholder == "" {
		placeholder = defaultPortPlaceholder
	}
	path := filepath.Join(dir, opts.PortFile)
	data, err := os.ReadFile(path) //nolint:gosec // inside our profile copy
	if err != nil {
		return fmt.Errorf("read port file: %w", err)
	}
	data = bytes.ReplaceAll(data, []byte(placeholder), []byte(strconv.Itoa(port)))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return nil
}

// copyTree copies src into dst, skipping version-control metadata.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(d.Name(), ".svn") || d.Name() == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyRegular(path, target)
	})
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // template file
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // profile file
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
