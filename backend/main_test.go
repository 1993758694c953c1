package main

import (
	"strings"
	"testing"
)

func TestDrainHelpWarnsAboutRunningServer(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"drain"})
	if err != nil {
		t.Fatalf("find drain: %v", err)
	}
	if !strings.Contains(cmd.Long, "no server is running") || cmd.Flags().Lookup("remote") == nil {
		t.Fatalf("drain help must point at --remote while a server runs: %q", cmd.Long)
	}
}
