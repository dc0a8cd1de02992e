package shellparse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, input string) Node {
	t.Helper()
	node, err := Parse(input)
	require.NoError(t, err, "Parse(%q)", input)
	return node
}

func TestParseSimpleCommand(t *testing.T) {
	node := mustParse(t, "echo hello world")
	simple, ok := node.(*Simple)
	require.True(t, ok, "expected *Simple, got %T", node)

	if diff := cmp.Diff([]string{"echo", "hello", "world"}, simple.Argv()); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestParseQuotedWords(t *testing.T) {
	node := mustParse(t, `echo 'hello world' "second arg" mixed'and matched'`)
	simple := node.(*Simple)

	require.Len(t, simple.Words, 4)
	assert.Equal(t, "hello world", simple.Words[1].Text)
	assert.Equal(t, SingleQuoted, simple.Words[1].Segments[0].Kind)
	assert.Equal(t, "second arg", simple.Words[2].Text)
	assert.Equal(t, DoubleQuoted, simple.Words[2].Segments[0].Kind)

	// Mixed quoting produces one word from two segments.
	assert.Equal(t, "mixedand matched", simple.Words[3].Text)
	require.Len(t, simple.Words[3].Segments, 2)
	assert.Equal(t, Bare, simple.Words[3].Segments[0].Kind)
	assert.Equal(t, SingleQuoted, simple.Words[3].Segments[1].Kind)
}

func TestParsePipeline(t *testing.T) {
	node := mustParse(t, "cat file | sort -r | uniq")
	pipeline, ok := node.(*Pipeline)
	require.True(t, ok, "expected *Pipeline, got %T", node)
	require.Len(t, pipeline.Cmds, 3)

	first := pipeline.Cmds[0].(*Simple)
	assert.Equal(t, []string{"cat", "file"}, first.Argv())
	last := pipeline.Cmds[2].(*Simple)
	assert.Equal(t, []string{"uniq"}, last.Argv())
}

func TestParseAndOrChain(t *testing.T) {
	node := mustParse(t, "make && echo ok || echo failed")
	chain, ok := node.(*AndOr)
	require.True(t, ok, "expected *AndOr, got %T", node)

	require.Len(t, chain.Rest, 2)
	assert.Equal(t, OpAnd, chain.Rest[0].Op)
	assert.Equal(t, OpOr, chain.Rest[1].Op)
}

func TestParseSequence(t *testing.T) {
	node := mustParse(t, "cd /tmp; pwd; echo done;")
	seq, ok := node.(*Seq)
	require.True(t, ok, "expected *Seq, got %T", node)
	require.Len(t, seq.Groups, 3)
}

func TestParseSubshell(t *testing.T) {
	node := mustParse(t, "(cd /tmp; pwd) | cat")
	pipeline := node.(*Pipeline)
	sub, ok := pipeline.Cmds[0].(*Subshell)
	require.True(t, ok, "expected *Subshell, got %T", pipeline.Cmds[0])

	_, ok = sub.Body.(*Seq)
	assert.True(t, ok)
}

func TestParseRedirections(t *testing.T) {
	tests := []struct {
		input string
		kind  RedirKind
		file  string
	}{
		{"sort < input.txt", RedirIn, "input.txt"},
		{"echo hi > out.txt", RedirOut, "out.txt"},
		{"echo hi >> out.txt", RedirAppend, "out.txt"},
		{"cmd 2> err.txt", RedirErr, "err.txt"},
		{"cmd &> all.txt", RedirBoth, "all.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			simple := mustParse(t, tt.input).(*Simple)
			require.Len(t, simple.Redirs, 1)
			assert.Equal(t, tt.kind, simple.Redirs[0].Kind)
			assert.Equal(t, tt.file, simple.Redirs[0].Target.Text)
		})
	}
}

func TestParseFdDupRedirections(t *testing.T) {
	simple := mustParse(t, "cmd 2>&1").(*Simple)
	require.Len(t, simple.Redirs, 1)
	assert.Equal(t, RedirErrToOut, simple.Redirs[0].Kind)
	assert.Empty(t, simple.Redirs[0].Target.Text)

	simple = mustParse(t, "cmd >&2").(*Simple)
	require.Len(t, simple.Redirs, 1)
	assert.Equal(t, RedirOutToErr, simple.Redirs[0].Kind)
}

func TestParseWordNamedTwoIsNotARedirect(t *testing.T) {
	simple := mustParse(t, "echo a2>out").(*Simple)
	assert.Equal(t, []string{"echo", "a2"}, simple.Argv())
	require.Len(t, simple.Redirs, 1)
	assert.Equal(t, RedirOut, simple.Redirs[0].Kind)

	simple = mustParse(t, "echo 2>out").(*Simple)
	assert.Equal(t, []string{"echo"}, simple.Argv())
	require.Len(t, simple.Redirs, 1)
	assert.Equal(t, RedirErr, simple.Redirs[0].Kind)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty pipeline side", "a | | b"},
		{"dangling and", "a &&"},
		{"unclosed subshell", "(a; b"},
		{"redirect without target", "echo hi >"},
		{"background token", "sleep 5 &"},
		{"unterminated quote", "echo 'abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Error(t, err, "Parse(%q)", tt.input)
		})
	}
}

func TestNeedsRealShell(t *testing.T) {
	inProcess := []string{
		"echo hello",
		"cat a | sort | uniq -c",
		"mkdir -p /tmp/x && cd /tmp/x",
		"echo hi > /tmp/out.txt 2>&1",
		"(cd /tmp; pwd) | cat",
		"echo 'literal $HOME stays inert'",
		"printf 'a\\nb\\n' | sort -r",
	}
	for _, cmd := range inProcess {
		assert.False(t, NeedsRealShell(cmd), "expected in-process: %q", cmd)
	}

	delegated := []string{
		"echo $HOME",
		"echo \"$USER\"",
		"echo `date`",
		"ls *.go",
		"sleep 5 &",
		"cat <<EOF\nhi\nEOF",
		"diff <(sort a) <(sort b)",
		"echo $((1+2))",
		"FOO=bar env",
		"for f in a b; do echo $f; done",
		"if true; then echo y; fi",
		"echo {a,b}.txt",
		"ls ~/src",
		"echo 'unterminated",
	}
	for _, cmd := range delegated {
		assert.True(t, NeedsRealShell(cmd), "expected real-shell fallback: %q", cmd)
	}
}

func TestFindShellReturnsProbeEntry(t *testing.T) {
	shell := FindShell()
	assert.Contains(t, shellProbeList, shell)
}
