package prompter

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmAnswers(t *testing.T) {
	tests := []struct {
		input    string
		def      bool
		expected bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"no\n", true, false},
		{"\n", true, true},
		{"whatever\n", false, false},
	}
	for _, tt := range tests {
		p := NewCLIPrompterIO(strings.NewReader(tt.input), io.Discard, 0)
		ans, err := p.Confirm(context.Background(), "proceed?", tt.def)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, ans.Value, "input %q", tt.input)
		assert.False(t, ans.TimedOut)
	}
}

func TestConfirmTimeoutReturnsDefault(t *testing.T) {
	// A reader that never produces a line.
	r, _ := io.Pipe()
	p := NewCLIPrompterIO(r, io.Discard, 20*time.Millisecond)

	ans, err := p.Confirm(context.Background(), "proceed?", true)
	require.NoError(t, err)
	assert.True(t, ans.Value)
	assert.True(t, ans.TimedOut)
}

func TestSelectByNumberAndName(t *testing.T) {
	options := []string{"retry", "skip", "abort"}

	p := NewCLIPrompterIO(strings.NewReader("2\n"), io.Discard, 0)
	ans, err := p.Select(context.Background(), "pick", options, "retry")
	require.NoError(t, err)
	assert.Equal(t, "skip", ans.Value)

	p = NewCLIPrompterIO(strings.NewReader("Abort\n"), io.Discard, 0)
	ans, err = p.Select(context.Background(), "pick", options, "retry")
	require.NoError(t, err)
	assert.Equal(t, "abort", ans.Value)

	// Nonsense falls back to the default.
	p = NewCLIPrompterIO(strings.NewReader("99\n"), io.Discard, 0)
	ans, err = p.Select(context.Background(), "pick", options, "retry")
	require.NoError(t, err)
	assert.Equal(t, "retry", ans.Value)
}

func TestSelectRendersOptions(t *testing.T) {
	var out bytes.Buffer
	p := NewCLIPrompterIO(strings.NewReader("1\n"), &out, 0)
	_, err := p.Select(context.Background(), "pick one", []string{"a", "b"}, "b")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1) a")
	assert.Contains(t, out.String(), "* 2) b")
}

func TestTextInput(t *testing.T) {
	p := NewCLIPrompterIO(strings.NewReader("hello world\n"), io.Discard, 0)
	ans, err := p.Text(context.Background(), "say", "default")
	require.NoError(t, err)
	assert.Equal(t, "hello world", ans.Value)

	p = NewCLIPrompterIO(strings.NewReader("\n"), io.Discard, 0)
	ans, err = p.Text(context.Background(), "say", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", ans.Value)
}

func TestContextCancellation(t *testing.T) {
	r, _ := io.Pipe()
	p := NewCLIPrompterIO(r, io.Discard, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ans, err := p.Text(ctx, "say", "fallback")
	assert.Error(t, err)
	assert.Equal(t, "fallback", ans.Value)
}

func TestAutoConfirm(t *testing.T) {
	var p Prompter = AutoConfirm{}

	b, err := p.Confirm(context.Background(), "x", true)
	require.NoError(t, err)
	assert.True(t, b.Value)

	s, err := p.Select(context.Background(), "x", []string{"a", "b"}, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", s.Value)

	txt, err := p.Text(context.Background(), "x", "d")
	require.NoError(t, err)
	assert.Equal(t, "d", txt.Value)

	assert.NoError(t, p.Close())
}
