package python

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kyleking/sqlcontext/internal/errors"
)

//go:embed scripts/*
var scriptFiles embed.FS

const uvSyncTimeout = 10 * time.Minute

// FindUV locates the uv binary. A non-empty configured path wins over PATH lookup.
func FindUV(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", errors.Wrapf(err, errors.ErrTypeConfig, "uv not found at %s", configured)
		}

		return configured, nil
	}

	uvPath, err := exec.LookPath("uv")
	if err != nil {
		return "", errors.New(errors.ErrTypeConfig,
			"uv not found in PATH: install it from https://docs.astral.sh/uv/getting-started/installation/")
	}

	return uvPath, nil
}

// Environment is an extracted and synced uv project holding the model scripts
type Environment struct {
	UVPath     string
	ProjectDir string
}

// EnsureEnvironment extracts embedded Python scripts to cacheDir/python/ and
// runs uv sync to install dependencies.
func EnsureEnvironment(ctx context.Context, uvPath, cacheDir string) (*Environment, error) {
	projectDir := filepath.Join(cacheDir, "python")

	if err := extractScripts(projectDir); err != nil {
		return nil, fmt.Errorf("failed to extract Python scripts: %w", err)
	}

	if err := uvSync(ctx, uvPath, projectDir); err != nil {
		return nil, fmt.Errorf("failed to sync Python environment: %w", err)
	}

	return &Environment{UVPath: uvPath, ProjectDir: projectDir}, nil
}

// Command builds an exec.Cmd that runs a Python script via uv.
func (e *Environment) Command(ctx context.Context, scriptName string, args ...string) *exec.Cmd {
	scriptPath := filepath.Join(e.ProjectDir, scriptName)

	cmdArgs := []string{
		"run",
		"--project", e.ProjectDir,
		"--quiet",
		"python", scriptPath,
	}
	cmdArgs = append(cmdArgs, args...)

	return exec.CommandContext(ctx, e.UVPath, cmdArgs...)
}

// RunJSON runs scriptName with input encoded as JSON on stdin and decodes
// its stdout into output.
func (e *Environment) RunJSON(ctx context.Context, scriptName string, input, output interface{}, args ...string) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal script input: %w", err)
	}

	cmd := e.Command(ctx, scriptName, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.NewTimeoutError(ctx.Err(), scriptName)
		}

		return errors.Wrapf(err, errors.ErrTypeUpstream, "%s failed (stderr: %s)", scriptName, stderr.String())
	}

	if err := json.Unmarshal(stdout.Bytes(), output); err != nil {
		return fmt.Errorf("failed to parse %s output: %w", scriptName, err)
	}

	return nil
}

func extractScripts(projectDir string) error {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	return fs.WalkDir(scriptFiles, "scripts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel("scripts", path)
		if err != nil {
			return err
		}

		targetPath := filepath.Join(projectDir, relPath)

		if d.IsDir() {
			return os.MkdirAll(targetPath, 0o755)
		}

		content, err := scriptFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded file %s: %w", path, err)
		}

		return os.WriteFile(targetPath, content, 0o644)
	})
}

func uvSync(ctx context.Context, uvPath, projectDir string) error {
	ctx, cancel := context.WithTimeout(ctx, uvSyncTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, uvPath, "sync", "--project", projectDir, "--quiet")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("uv sync timed out (this may happen on first run while installing torch)")
		}

		return fmt.Errorf("uv sync failed: %w", err)
	}

	return nil
}
