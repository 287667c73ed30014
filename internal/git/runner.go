// Package git implements the optional per-job workflow: branch, commit,
// push, pull request. All operations shell out to the git CLI with
// context-bound timeouts; anything that touches a remote goes through
// token redaction before it reaches a log line or an error.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

const (
	redactedValue      = "[REDACTED]"
	askPassUsernameEnv = "SIDEQUEST_GIT_ASKPASS_USERNAME"
	askPassPasswordEnv = "SIDEQUEST_GIT_ASKPASS_PASSWORD"
)

var (
	urlPattern         = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)
	knownTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
		regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
		regexp.MustCompile(`oauth2:[^@/\s]+@`),
	}
)

type runOptions struct {
	env     []string
	secrets []string
}

func runGit(ctx context.Context, dir string, args ...string) error {
	return runGitWithOptions(ctx, dir, runOptions{}, args...)
}

func runGitWithOptions(ctx context.Context, dir string, opts runOptions, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(opts.env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return formatGitCommandError(args, out, err, opts.secrets)
	}
	return nil
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		msg := out
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			if len(msg) > 0 && msg[len(msg)-1] != '\n' {
				msg = append(msg, '\n')
			}
			msg = append(msg, exitErr.Stderr...)
		}
		return "", formatGitCommandError(args, msg, err, nil)
	}
	return string(out), nil
}

func formatGitCommandError(args []string, out []byte, err error, secrets []string) error {
	cmdText := redactSensitiveText(strings.Join(args, " "), secrets)
	msg := strings.TrimSpace(redactSensitiveText(string(out), secrets))
	if msg != "" {
		return fmt.Errorf("git %s: %w: %s", cmdText, err, msg)
	}
	return fmt.Errorf("git %s: %w", cmdText, err)
}

func redactSensitiveText(msg string, secrets []string) string {
	if msg == "" {
		return msg
	}
	redacted := msg
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		redacted = strings.ReplaceAll(redacted, secret, redactedValue)
	}
	redacted = redactURLUserInfo(redacted)
	for _, pattern := range knownTokenPatterns {
		redacted = pattern.ReplaceAllString(redacted, redactedValue)
	}
	return redacted
}

func redactURLUserInfo(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.User == nil {
			return match
		}
		parsed.User = nil
		return parsed.String()
	})
}

// pushAuth builds the askpass environment for token-authenticated pushes
// over HTTP remotes. The returned cleanup removes the temp script.
func pushAuth(token string) (env []string, secrets []string, cleanup func(), err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, func() {}, nil
	}

	f, err := os.CreateTemp("", "sidequest-git-askpass-*.sh")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create askpass script: %w", err)
	}
	path := f.Name()
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"  *Username*|*username*) printf '%s\\n' \"$" + askPassUsernameEnv + "\" ;;\n" +
		"  *) printf '%s\\n' \"$" + askPassPasswordEnv + "\" ;;\n" +
		"esac\n"
	if _, err := f.WriteString(script); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, nil, nil, fmt.Errorf("write askpass script: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, nil, nil, fmt.Errorf("close askpass script: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		_ = os.Remove(path)
		return nil, nil, nil, fmt.Errorf("chmod askpass script: %w", err)
	}

	env = []string{
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=" + path,
		askPassUsernameEnv + "=oauth2",
		askPassPasswordEnv + "=" + token,
	}
	return env, []string{token}, func() { _ = os.Remove(path) }, nil
}

// remoteURL returns the fetch URL of the named remote.
func remoteURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := runGitOutput(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(out)
	if u == "" {
		return "", fmt.Errorf("remote %q has empty URL", remote)
	}
	return u, nil
}

// headCommit returns HEAD's SHA in dir.
func headCommit(ctx context.Context, dir string) (string, error) {
	out, err := runGitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// workingTreeDirty reports whether dir has uncommitted changes.
func workingTreeDirty(ctx context.Context, dir string) (bool, error) {
	out, err := runGitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace([]byte(out))) > 0, nil
}
