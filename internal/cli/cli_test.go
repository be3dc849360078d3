package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var out bytes.Buffer
		opts, exit, err := Parse(nil, &out)
		require.NoError(t, err)
		assert.False(t, exit)
		assert.Equal(t, "", opts.ConfigPath)
		assert.Equal(t, "text", opts.LogFormat)
		assert.Equal(t, "info", opts.LogLevel)
		assert.Equal(t, 0, opts.Workers)
		assert.False(t, opts.DumpConfig)
	})

	t.Run("config flag wins over positional", func(t *testing.T) {
		var out bytes.Buffer
		opts, _, err := Parse([]string{"-config", "a.hcl", "b.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", opts.ConfigPath)
	})

	t.Run("shorthand and positional", func(t *testing.T) {
		var out bytes.Buffer
		opts, _, err := Parse([]string{"-c", "short.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "short.hcl", opts.ConfigPath)

		opts, _, err = Parse([]string{"pos.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "pos.hcl", opts.ConfigPath)
	})

	t.Run("workers and dump-config", func(t *testing.T) {
		var out bytes.Buffer
		opts, _, err := Parse([]string{"-workers", "4", "-dump-config"}, &out)
		require.NoError(t, err)
		assert.Equal(t, 4, opts.Workers)
		assert.True(t, opts.DumpConfig)
	})

	t.Run("help exits cleanly", func(t *testing.T) {
		var out bytes.Buffer
		_, exit, err := Parse([]string{"-h"}, &out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Contains(t, out.String(), "Usage:")
	})

	t.Run("invalid values", func(t *testing.T) {
		var out bytes.Buffer
		cases := [][]string{
			{"-log-format", "xml"},
			{"-log-level", "loud"},
			{"-workers", "-1"},
		}
		for _, args := range cases {
			_, _, err := Parse(args, &out)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr, "args %v", args)
			assert.Equal(t, 2, exitErr.Code)
		}
	})
}
