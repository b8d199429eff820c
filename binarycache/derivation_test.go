package binarycache_test

import (
	"context"
	"strings"
	"testing"

	"github.com/flokli/nixcached/internal/derivation"
	"github.com/flokli/nixcached/internal/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDerivationResolvesOutputPaths(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	d := derivation.Derivation{
		Name: "hello",
		Outputs: map[string]derivation.Output{
			"out": derivation.IntensionalOutput{},
		},
		InputSrcs: map[storepath.Path]struct{}{},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
		Args:      []string{"-e", "builder.sh"},
		Env:       map[string]string{"out": "", "PATH": "/bin"},
	}

	ni, err := s.AddDerivation(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "hello.drv", ni.StorePath.Name)

	text, _, err := s.Read(ctx, ni.StorePath)
	require.NoError(t, err)
	defer text.Close()
}

func TestAddDerivationLoadsInputDerivations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dep := derivation.Derivation{
		Name: "dep",
		Outputs: map[string]derivation.Output{
			"out": derivation.IntensionalOutput{},
		},
		InputSrcs: map[storepath.Path]struct{}{},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
	}
	depInfo, err := s.AddDerivation(ctx, dep)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(depInfo.StorePath.Name, ".drv"))

	top := derivation.Derivation{
		Name: "top",
		Outputs: map[string]derivation.Output{
			"out": derivation.IntensionalOutput{},
		},
		InputDrvs: map[storepath.Path]map[string]struct{}{
			depInfo.StorePath: {"out": {}},
		},
		InputSrcs: map[storepath.Path]struct{}{},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
	}

	topInfo, err := s.AddDerivation(ctx, top)
	require.NoError(t, err)
	assert.Contains(t, topInfo.References, depInfo.StorePath)
}
