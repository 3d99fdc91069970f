package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-guard/internal/incident"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/simulator"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [scenario...]",
	Short: "Replay synthetic attack traffic",
	Long: `Replays generated traffic through the engine and summarizes the verdicts.
With no arguments every scenario runs. Locally the engine runs on simulated
time, so a run completes immediately regardless of the scenario's pacing.`,
	RunE: runSimulate,
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List simulation scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := newTable("NAME", "DESCRIPTION")
		for _, s := range simulator.List() {
			t.addRow(s.Name(), s.Description())
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	simulateCmd.Flags().Int64("seed", 0, "faker seed (default: random)")
	simulateCmd.Flags().String("remote", "", "base URL of a running guard service")
	simulateCmd.Flags().Bool("realtime", false, "pace requests by their simulated offsets")
	simulateCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	seed, _ := cmd.Flags().GetInt64("seed")
	remote, _ := cmd.Flags().GetString("remote")
	realtime, _ := cmd.Flags().GetBool("realtime")

	opts := []simulator.Option{simulator.WithRealtime(realtime), simulator.WithLogger(logging.Discard())}
	if seed != 0 {
		opts = append(opts, simulator.WithSeed(seed))
	}

	var (
		target simulator.Target
		engine *guard.Engine
	)
	if remote != "" {
		target = simulator.NewHTTPTarget(remote)
	} else {
		rules, err := loadRules()
		if err != nil {
			return err
		}
		clock := simulator.NewClock(time.Now().UTC())
		engine, err = guard.New(cfg, rules, guard.WithClock(clock.Now), guard.WithLogger(logging.Discard()))
		if err != nil {
			return err
		}
		defer func() { _ = engine.Stop(cmd.Context()) }()
		target = simulator.EngineTarget{Engine: engine}
		opts = append(opts, simulator.WithClock(clock))
	}

	summary, err := simulator.NewRunner(target, opts...).Run(cmd.Context(), args...)
	if err != nil {
		return err
	}
	if engine != nil {
		engine.Wait()
	}

	out := cmd.OutOrStdout()
	if outputJSON(cmd) {
		report := struct {
			simulator.Summary
			Incidents int `json:"incidents,omitempty"`
		}{Summary: summary}
		if engine != nil {
			report.Incidents = len(engine.Incidents(incident.Filter{}))
		}
		return printJSON(out, report)
	}

	t := newTable("SCENARIO", "REQUESTS", "ALLOWED", "BLOCKED", "EVENTS", "ERRORS", "REASONS")
	for _, r := range summary.Scenarios {
		t.addRow(r.Name,
			strconv.Itoa(r.Requests),
			strconv.Itoa(r.Allowed),
			strconv.Itoa(r.Blocked),
			strconv.Itoa(r.Events),
			strconv.Itoa(r.Errors),
			formatReasons(r.Reasons))
	}
	t.render(out)
	fmt.Fprintf(out, "\nseed %d, %s\n", summary.Seed, summary.Duration.Round(time.Millisecond))

	if engine != nil {
		incidents := engine.Incidents(incident.Filter{})
		fmt.Fprintf(out, "%d incidents opened\n", len(incidents))
		for _, inc := range incidents {
			fmt.Fprintf(out, "  %s  %-10s %-18s %-14s %s\n", inc.ID, inc.Severity, inc.Type, inc.Status, inc.ActorKey)
		}
	}
	return nil
}

func formatReasons(reasons map[string]int) string {
	if len(reasons) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, reasons[k])
	}
	return strings.Join(parts, ",")
}
