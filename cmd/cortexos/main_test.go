package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "status", "agents", "memory"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestAgentsCmdHasListAndStatus(t *testing.T) {
	cmd := buildAgentsCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["list"] || !names["status"] {
		t.Fatalf("expected agents list and status subcommands, got %v", names)
	}
}

func TestMemoryCmdHasStatsSearchAndClear(t *testing.T) {
	cmd := buildMemoryCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"stats", "search", "clear"} {
		if !names[name] {
			t.Fatalf("expected memory subcommand %q, got %v", name, names)
		}
	}
}
