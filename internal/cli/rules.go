package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect detection and response rules",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective rules document as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			return err
		}
		data, err := rules.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := config.LoadRules(args[0])
		if err != nil {
			return err
		}
		if err := rules.Validate(); err != nil {
			return fmt.Errorf("invalid rules: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d signatures, %d playbooks, %d honeypots)\n",
			args[0], len(rules.Signatures), len(rules.Playbooks), len(rules.Honeypots))
		return nil
	},
}

var rulesPlaybooksCmd = &cobra.Command{
	Use:   "playbooks",
	Short: "List response playbooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			return err
		}
		if outputJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), rules.Playbooks)
		}
		t := newTable("TYPE", "SEVERITY", "ACTIONS", "ESCALATE AFTER", "MAX RESPONSE")
		for _, p := range rules.Playbooks {
			actions := make([]string, len(p.AutomatedActions))
			for i, a := range p.AutomatedActions {
				actions[i] = string(a.Type)
			}
			t.addRow(string(p.Type), string(p.Severity), strings.Join(actions, ","),
				strconv.Itoa(p.EscalationThreshold), strconv.Itoa(p.MaxResponseMinutes)+"m")
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesShowCmd, rulesValidateCmd, rulesPlaybooksCmd)
	rootCmd.AddCommand(rulesCmd)
}
