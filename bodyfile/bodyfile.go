// Package bodyfile hands complex payloads to CLIs whose flag parsing
// chokes on embedded newlines, quotes or dollar signs. The payload goes
// into a temporary file and the caller passes a --flag=path argument
// instead of the literal body.
package bodyfile

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/opal-lang/cmdstream/core/invariant"
	"github.com/opal-lang/cmdstream/core/quote"
)

// WriteTemp writes body to a fresh temporary file and returns its path
// with a cleanup func. The file is readable only by the current user.
func WriteTemp(body string) (string, func(), error) {
	f, err := os.CreateTemp("", "cmdstream-body-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("create body file: %w", err)
	}

	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := os.Chmod(path, 0o600); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("restrict body file: %w", err)
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write body file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close body file: %w", err)
	}

	return path, cleanup, nil
}

// FlagArg writes body to a tempfile and returns the flag=path argument,
// e.g. FlagArg("--body-file", body) -> "--body-file=/tmp/...". Callers
// must run cleanup after the command finishes.
func FlagArg(flag, body string) (string, func(), error) {
	invariant.Precondition(flag != "", "flag cannot be empty")

	path, cleanup, err := WriteTemp(body)
	if err != nil {
		return "", nil, err
	}
	return flag + "=" + path, cleanup, nil
}

// ViaVirtualCommand renders a command-string fragment that materializes
// body at path through the engine's _write_multiline_content virtual
// command. Useful when the write must happen inside a pipeline rather
// than before it.
func ViaVirtualCommand(body, path string) string {
	invariant.Precondition(path != "", "path cannot be empty")

	encoded := base64.StdEncoding.EncodeToString([]byte(body))
	return "_write_multiline_content " + encoded + " " + quote.Token(path)
}
