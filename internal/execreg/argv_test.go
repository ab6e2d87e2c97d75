package execreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainArgv(t *testing.T) {
	plain := map[string][]string{
		"ls":                        {"ls"},
		"  git   status  ":          {"git", "status"},
		"/usr/bin/make -j4 all":     {"/usr/bin/make", "-j4", "all"},
		"curl https://x.io:8/a?b":   nil,
		"rm -rf build/out,tmp@1%+=": {"rm", "-rf", "build/out,tmp@1%+="},
		"echo a\nrm b":              {"echo", "a", "rm", "b"},
	}
	for in, want := range plain {
		got, ok := PlainArgv(in)
		if want == nil {
			assert.False(t, ok, in)
			continue
		}
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{
		"", "   ",
		"echo hi; touch pwned",
		"echo hi && rm x",
		"cat a | sh",
		"echo $(id)",
		"echo `id`",
		"echo $HOME",
		"echo 'quoted'",
		"ls > out",
		"ls *.go",
		"ls ~",
		"sleep 1 &",
	} {
		_, ok := PlainArgv(in)
		assert.False(t, ok, "%q", in)
	}
}
