package vcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// resolve makes path absolute against the session working directory.
func resolve(inv *Invocation, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(inv.Session.Cwd(), path)
}

// cat relays files (or stdin when no operands) to stdout as it reads, so
// it interoperates with unbounded producers.
func catCmd(ctx context.Context, inv *Invocation) int {
	if len(inv.Args) == 0 {
		return relay(ctx, inv.Stdin, inv.Stdout, inv, "cat")
	}

	for _, name := range inv.Args {
		if name == "-" {
			if code := relay(ctx, inv.Stdin, inv.Stdout, inv, "cat"); code != 0 {
				return code
			}
			continue
		}

		f, err := os.Open(resolve(inv, name))
		if err != nil {
			fmt.Fprintf(inv.Stderr, "cat: %s: %v\n", name, err)
			return ExitFailure
		}
		code := relay(ctx, f, inv.Stdout, inv, "cat")
		_ = f.Close()
		if code != 0 {
			return code
		}
	}
	return ExitSuccess
}

// relay copies src to dst in chunks with a cancellation probe between
// reads. Write errors mean the downstream closed; that ends the relay
// without a diagnostic.
func relay(ctx context.Context, src io.Reader, dst io.Writer, inv *Invocation, name string) int {
	if src == nil {
		return ExitSuccess
	}

	buf := make([]byte, 32*1024)
	for {
		if ctxDone(ctx) {
			return ExitFailure
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return ExitSuccess
			}
		}
		if err == io.EOF {
			return ExitSuccess
		}
		if err != nil {
			fmt.Fprintf(inv.Stderr, "%s: %v\n", name, err)
			return ExitFailure
		}
	}
}

func lsCmd(inv *Invocation, _ string) Result {
	flags, operands, unknown := splitFlags(inv.Args, "a1")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("ls: unknown flag -%c\n", unknown)}
	}
	showHidden := flags['a']

	if len(operands) == 0 {
		operands = []string{"."}
	}

	var out strings.Builder
	for _, name := range operands {
		path := resolve(inv, name)
		info, err := os.Stat(path)
		if err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("ls: %s: %v\n", name, err)}
		}

		if !info.IsDir() {
			out.WriteString(name + "\n")
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("ls: %s: %v\n", name, err)}
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !showHidden && strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		for _, n := range names {
			out.WriteString(n + "\n")
		}
	}
	return Result{Stdout: out.String()}
}

func mkdirCmd(inv *Invocation, _ string) Result {
	flags, operands, unknown := splitFlags(inv.Args, "p")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("mkdir: unknown flag -%c\n", unknown)}
	}
	if len(operands) == 0 {
		return Result{Code: ExitUsage, Stderr: "mkdir: missing operand\n"}
	}

	for _, name := range operands {
		path := resolve(inv, name)
		var err error
		if flags['p'] {
			err = os.MkdirAll(path, 0o755)
		} else {
			err = os.Mkdir(path, 0o755)
		}
		if err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("mkdir: %s: %v\n", name, err)}
		}
	}
	return Result{}
}

func cpCmd(inv *Invocation, _ string) Result {
	flags, operands, unknown := splitFlags(inv.Args, "r")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("cp: unknown flag -%c\n", unknown)}
	}
	if len(operands) < 2 {
		return Result{Code: ExitUsage, Stderr: "cp: missing destination operand\n"}
	}

	dst := resolve(inv, operands[len(operands)-1])
	sources := operands[:len(operands)-1]

	dstInfo, dstErr := os.Stat(dst)
	dstIsDir := dstErr == nil && dstInfo.IsDir()
	if len(sources) > 1 && !dstIsDir {
		return Result{Code: ExitFailure, Stderr: fmt.Sprintf("cp: target %s is not a directory\n", operands[len(operands)-1])}
	}

	for _, src := range sources {
		srcPath := resolve(inv, src)
		target := dst
		if dstIsDir {
			target = filepath.Join(dst, filepath.Base(srcPath))
		}
		if err := copyPath(srcPath, target, flags['r']); err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("cp: %s: %v\n", src, err)}
		}
	}
	return Result{}
}

func copyPath(src, dst string, recursive bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if !recursive {
			return fmt.Errorf("is a directory (use -r)")
		}
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyPath(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), true); err != nil {
				return err
			}
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func mvCmd(inv *Invocation, _ string) Result {
	_, operands, unknown := splitFlags(inv.Args, "")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("mv: unknown flag -%c\n", unknown)}
	}
	if len(operands) != 2 {
		return Result{Code: ExitUsage, Stderr: "mv: expected source and destination\n"}
	}

	src := resolve(inv, operands[0])
	dst := resolve(inv, operands[1])
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}

	if err := os.Rename(src, dst); err != nil {
		return Result{Code: ExitFailure, Stderr: fmt.Sprintf("mv: %v\n", err)}
	}
	return Result{}
}

func rmCmd(inv *Invocation, _ string) Result {
	flags, operands, unknown := splitFlags(inv.Args, "rf")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("rm: unknown flag -%c\n", unknown)}
	}
	if len(operands) == 0 {
		if flags['f'] {
			return Result{}
		}
		return Result{Code: ExitUsage, Stderr: "rm: missing operand\n"}
	}

	for _, name := range operands {
		path := resolve(inv, name)

		info, err := os.Lstat(path)
		if err != nil {
			if flags['f'] && os.IsNotExist(err) {
				continue
			}
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("rm: %s: %v\n", name, err)}
		}
		if info.IsDir() && !flags['r'] {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("rm: %s: is a directory\n", name)}
		}

		if err := os.RemoveAll(path); err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("rm: %s: %v\n", name, err)}
		}
	}
	return Result{}
}

func touchCmd(inv *Invocation, _ string) Result {
	_, operands, unknown := splitFlags(inv.Args, "")
	if unknown != 0 {
		return Result{Code: ExitUsage, Stderr: fmt.Sprintf("touch: unknown flag -%c\n", unknown)}
	}
	if len(operands) == 0 {
		return Result{Code: ExitUsage, Stderr: "touch: missing operand\n"}
	}

	now := time.Now()
	for _, name := range operands {
		path := resolve(inv, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return Result{Code: ExitFailure, Stderr: fmt.Sprintf("touch: %s: %v\n", name, err)}
			}
			_ = f.Close()
			continue
		}
		if err := os.Chtimes(path, now, now); err != nil {
			return Result{Code: ExitFailure, Stderr: fmt.Sprintf("touch: %s: %v\n", name, err)}
		}
	}
	return Result{}
}
