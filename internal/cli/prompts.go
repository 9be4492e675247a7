package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bugfactory/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and customise the prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates, their placeholders and whether they are overridden",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := prompt.LoadSet(cfg.Paths.PromptsDir)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-16s %-10s %s\n", "TEMPLATE", "SOURCE", "PLACEHOLDERS")
		fmt.Fprintf(w, "%-16s %-10s %s\n", strings.Repeat("-", 16), strings.Repeat("-", 10), strings.Repeat("-", 12))
		for _, name := range prompt.Names {
			t, _ := set.Get(name)
			source := "builtin"
			if _, err := os.Stat(filepath.Join(cfg.Paths.PromptsDir, name+".yaml")); err == nil {
				source = "override"
			}
			fmt.Fprintf(w, "%-16s %-10s %s\n", name, source, strings.Join(t.Placeholders(), ", "))
		}
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <template>",
	Short: "Print a template's system and human instructions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := prompt.LoadSet(cfg.Paths.PromptsDir)
		if err != nil {
			return err
		}
		t, ok := set.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown template %q (have: %s)", args[0], strings.Join(prompt.Names, ", "))
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "## system\n\n%s\n\n## human\n\n%s\n", t.System, t.Human)
		return nil
	},
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in templates to the prompts directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := prompt.InstallBuiltin(cfg.Paths.PromptsDir)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(written) == 0 {
			fmt.Fprintf(w, "All templates already present in %s.\n", cfg.Paths.PromptsDir)
			return nil
		}
		for _, p := range written {
			fmt.Fprintf(w, "wrote %s\n", p)
		}
		return nil
	},
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsShowCmd)
	promptsCmd.AddCommand(promptsInstallCmd)
}
