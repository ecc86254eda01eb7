package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(rootCmd)
	for _, name := range []string{"serve", "process", "runs", "findings", "actions", "risk", "dlq", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "docintel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	flag := rootCmd.PersistentFlags().Lookup("tenant")
	require.NotNil(t, flag)
	assert.Equal(t, "default", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestProcessCommand_Flags(t *testing.T) {
	for _, name := range []string{"case", "media-type", "timeout"} {
		assert.NotNil(t, processCmd.Flags().Lookup(name), "process should have --%s flag", name)
	}
	assert.NoError(t, processCmd.Args(processCmd, []string{"complaint.pdf"}))
	assert.Error(t, processCmd.Args(processCmd, nil))
}

func TestSubcommandGroups(t *testing.T) {
	groups := map[*cobra.Command][]string{
		runsCmd:     {"list", "show", "retry"},
		findingsCmd: {"list", "resolve", "export"},
		actionsCmd:  {"list", "accept", "dismiss"},
		riskCmd:     {"recalc"},
		dlqCmd:      {"list", "summary", "clear"},
	}
	for parent, want := range groups {
		names := subcommandNames(parent)
		for _, name := range want {
			assert.True(t, names[name], "%s should have subcommand %q", parent.Name(), name)
		}
	}
}

func TestFindingsResolveCommand_Flags(t *testing.T) {
	flag := findingsResolveCmd.Flags().Lookup("decision")
	require.NotNil(t, flag)
	assert.Equal(t, "accepted", flag.DefValue)
	assert.NotNil(t, findingsResolveCmd.Flags().Lookup("by"))
	assert.Error(t, findingsResolveCmd.Args(findingsResolveCmd, nil))
}

func TestDLQCommand_StageFlag(t *testing.T) {
	require.NoError(t, dlqListCmd.Flags().Set("stage", "extract"))
	t.Cleanup(func() { _ = dlqListCmd.Flags().Set("stage", "") })

	st, err := stageFlag(dlqListCmd)
	require.NoError(t, err)
	assert.Equal(t, "extract", string(st))

	require.NoError(t, dlqListCmd.Flags().Set("stage", "bogus"))
	_, err = stageFlag(dlqListCmd)
	assert.Error(t, err)
}
