// Package schema describes the command tree in a machine-readable form so
// callers can discover flows, flags and exit codes without parsing help text.
package schema

import (
	"fmt"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Args        string          `json:"args,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
	ExitCodes   []ExitCode      `json:"exit_codes,omitempty"`
}

type FlagSchema struct {
	Name       string `json:"name"`
	Shorthand  string `json:"shorthand,omitempty"`
	Type       string `json:"type"`
	Usage      string `json:"usage"`
	Default    string `json:"default,omitempty"`
	Required   bool   `json:"required,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
}

type ExitCode struct {
	Code int    `json:"code"`
	Type string `json:"type"`
}

// Build describes the command at commandPath (space separated, relative to
// root). An empty path describes root and includes the exit code table.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := findChild(cmd, p)
		if next == nil {
			return CommandSchema{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("command not found: %s", commandPath))
		}
		cmd = next
	}
	s := serialize(cmd)
	if cmd == root {
		s.ExitCodes = exitCodes()
	}
	return s, nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
		for _, alias := range c.Aliases {
			if alias == name {
				return c
			}
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:    strings.TrimSpace(cmd.CommandPath()),
		Use:     cmd.Use,
		Short:   cmd.Short,
		Aliases: cmd.Aliases,
		Flags:   collectFlags(cmd),
	}
	if _, args, ok := strings.Cut(cmd.Use, " "); ok {
		s.Args = args
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	persistent := cmd.PersistentFlags()
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}
		items = append(items, FlagSchema{
			Name:       f.Name,
			Shorthand:  f.Shorthand,
			Type:       f.Value.Type(),
			Usage:      f.Usage,
			Default:    f.DefValue,
			Required:   isRequired(f),
			Persistent: persistent.Lookup(f.Name) != nil,
		})
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func isRequired(f *pflag.Flag) bool {
	values := f.Annotations[cobra.BashCompOneRequiredFlag]
	return len(values) > 0 && values[0] == "true"
}

func exitCodes() []ExitCode {
	codes := clierr.Codes()
	out := make([]ExitCode, 0, len(codes)+1)
	out = append(out, ExitCode{Code: int(clierr.CodeSuccess), Type: "success"})
	for _, code := range codes {
		out = append(out, ExitCode{Code: int(code), Type: clierr.TypeName(code)})
	}
	return out
}
