package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCommandReportsKernelsAndBridges(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", "testdata/sample.yaml"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "2 kernel(s), 1 bridge(s)")
	require.Contains(t, out.String(), "demo-agent")
	require.Contains(t, out.String(), "demo-observability")
}

func TestValidateCommandRequiresConfigFlag(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"validate"})
	require.Error(t, cmd.Execute())
}

func TestRunCommandStartsKernelsAndEmitsEvent(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"run",
		"--config", "testdata/sample.yaml",
		"--emit", "agent.tick",
		"--kernel", "demo-agent",
	})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "demo-agent")
	require.Contains(t, out.String(), "emitted agent.tick")
}
