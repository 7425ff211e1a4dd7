package schema

import (
	"testing"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "txflow"}
	root.PersistentFlags().Bool("json", false, "Output JSON")
	history := &cobra.Command{Use: "history", Short: "History"}
	get := &cobra.Command{Use: "get <hash>", Short: "Get", Aliases: []string{"show"}, Run: func(*cobra.Command, []string) {}}
	get.Flags().String("chain", "", "Chain")
	_ = get.MarkFlagRequired("chain")
	get.Flags().Int("limit", 20, "Limit")
	history.AddCommand(get)
	root.AddCommand(history)
	return root
}

func TestBuildSubcommand(t *testing.T) {
	s, err := Build(testTree(), "history show")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "txflow history get" || s.Args != "<hash>" {
		t.Fatalf("unexpected schema header %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "chain" || !s.Flags[0].Required {
		t.Fatalf("expected required chain flag first, got %+v", s.Flags)
	}
	if s.Flags[1].Required || s.Flags[1].Default != "20" {
		t.Fatalf("unexpected limit flag %+v", s.Flags[1])
	}
	if len(s.ExitCodes) != 0 {
		t.Fatal("exit codes are only listed on the root")
	}
}

func TestBuildRootListsExitCodes(t *testing.T) {
	s, err := Build(testTree(), "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Flags) != 1 || !s.Flags[0].Persistent {
		t.Fatalf("expected persistent json flag, got %+v", s.Flags)
	}
	found := false
	for _, c := range s.ExitCodes {
		if c.Code == int(clierr.CodeUserRejected) && c.Type == "user_rejected" {
			found = true
		}
	}
	if !found || s.ExitCodes[0].Code != 0 {
		t.Fatalf("unexpected exit codes %+v", s.ExitCodes)
	}
}

func TestBuildUnknownCommand(t *testing.T) {
	_, err := Build(testTree(), "bridge quote")
	if !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
