package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/apierr"
	"github.com/pkg/errors"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "cam")
}

func TestUnknownCommandFails(t *testing.T) {
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"definitely-not-a-command"})
	require.Error(t, root.Execute())
}

func TestIsUserError(t *testing.T) {
	assert.True(t, isUserError(apierr.InvalidInput("bad flag")))
	assert.True(t, isUserError(errors.Wrap(errBadConfig, "listen address")))
	assert.False(t, isUserError(errors.New("disk on fire")))
}
