package vm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ShellResult carries the outcome of a shell or exec builtin.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox mediates every effectful builtin. The capability checks happen
// before the sandbox is reached; the sandbox itself may impose a second layer
// (path roots, env allow lists) on top.
type Sandbox interface {
	FileRead(path string) ([]byte, error)
	FileWrite(path string, data []byte) error
	FileExists(path string) (bool, error)
	EnvGet(name string) (string, bool)
	EnvSet(name, value string) error
	Shell(command string) (ShellResult, error)
	Exec(name string, args []string) (ShellResult, error)
}

// OSSandbox is the default sandbox: direct host access, optionally confined
// to a root directory for file operations.
type OSSandbox struct {
	// Root, when set, is prepended to relative paths and absolute paths are
	// rejected unless they fall under it.
	Root string
}

func (s *OSSandbox) resolve(path string) (string, error) {
	if s.Root == "" {
		return path, nil
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.Root, full)
	}
	full = filepath.Clean(full)
	root := filepath.Clean(s.Root)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes sandbox root", path)
	}
	return full, nil
}

func (s *OSSandbox) FileRead(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (s *OSSandbox) FileWrite(path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

func (s *OSSandbox) FileExists(path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *OSSandbox) EnvGet(name string) (string, bool) {
	return os.LookupEnv(name)
}

func (s *OSSandbox) EnvSet(name, value string) error {
	return os.Setenv(name, value)
}

func (s *OSSandbox) Shell(command string) (ShellResult, error) {
	return runCmd(exec.Command("/bin/sh", "-c", command))
}

func (s *OSSandbox) Exec(name string, args []string) (ShellResult, error) {
	return runCmd(exec.Command(name, args...))
}

func runCmd(cmd *exec.Cmd) (ShellResult, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
