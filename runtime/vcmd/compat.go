package vcmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// _write_multiline_content decodes a base64 body into a file. External
// helpers use it to hand complex payloads to CLIs whose flag parsing
// chokes on embedded newlines or quotes.
func writeMultilineContentCmd(inv *Invocation, _ string) Result {
	if len(inv.Args) != 2 {
		return Result{Code: ExitUsage, Stderr: "_write_multiline_content: expected <base64-content> <path>\n"}
	}

	data, err := base64.StdEncoding.DecodeString(inv.Args[0])
	if err != nil {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("_write_multiline_content: invalid base64: %v\n", err)}
	}

	path := resolve(inv, inv.Args[1])
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{Code: ExitFailure, Stderr: fmt.Sprintf("_write_multiline_content: %v\n", err)}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{Code: ExitFailure, Stderr: fmt.Sprintf("_write_multiline_content: %v\n", err)}
	}
	return Result{}
}
