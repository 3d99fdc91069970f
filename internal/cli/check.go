package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/simulator"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

var (
	allowedColor = color.New(color.FgGreen, color.Bold)
	alertColor   = color.New(color.FgYellow, color.Bold)
	blockedColor = color.New(color.FgRed, color.Bold)
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a single request",
	Long: `Evaluate one request and print the verdict. Without --remote a fresh
in-process engine is used, so only stateless checks (user agent, payload,
honeypots, reputation) can trigger.`,
	Example: `  guard check --ip 192.0.2.1 --user-agent "curl/8.4.0" --endpoint /api/items
  guard check --endpoint /api/reviews --method POST --payload '{"comment":"1 UNION SELECT 1"}'
  guard check --remote http://localhost:8090 --endpoint /admin/backup`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().String("ip", "", "client IP address")
	checkCmd.Flags().String("user", "", "authenticated user id")
	checkCmd.Flags().String("user-agent", "", "User-Agent header")
	checkCmd.Flags().String("endpoint", "", "request path (required)")
	checkCmd.Flags().String("method", "GET", "HTTP method")
	checkCmd.Flags().String("payload", "", "JSON request body")
	checkCmd.Flags().String("remote", "", "base URL of a running guard service")
	_ = checkCmd.MarkFlagRequired("endpoint")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ip, _ := cmd.Flags().GetString("ip")
	user, _ := cmd.Flags().GetString("user")
	ua, _ := cmd.Flags().GetString("user-agent")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	method, _ := cmd.Flags().GetString("method")
	rawPayload, _ := cmd.Flags().GetString("payload")
	remote, _ := cmd.Flags().GetString("remote")

	rc := model.RequestContext{
		UserID:    user,
		IPAddress: ip,
		UserAgent: ua,
		Endpoint:  endpoint,
		Method:    strings.ToUpper(method),
	}

	var payload any
	if rawPayload != "" {
		if !json.Valid([]byte(rawPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(rawPayload)
	}

	var target simulator.Target
	if remote != "" {
		target = simulator.NewHTTPTarget(remote)
	} else {
		rules, err := loadRules()
		if err != nil {
			return err
		}
		engine, err := guard.New(cfg, rules, guard.WithLogger(logging.Discard()))
		if err != nil {
			return err
		}
		defer func() { _ = engine.Stop(cmd.Context()) }()
		target = simulator.EngineTarget{Engine: engine}
	}

	verdict, err := target.Check(cmd.Context(), rc, payload)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON(cmd) {
		return printJSON(out, verdict)
	}
	switch {
	case !verdict.Allowed:
		blockedColor.Fprint(out, "BLOCKED")
	case verdict.Action == model.ActionAlert:
		alertColor.Fprint(out, "ALLOWED")
	default:
		allowedColor.Fprint(out, "ALLOWED")
	}
	fmt.Fprintf(out, " (action: %s)\n", verdict.Action)
	if verdict.Reason != "" {
		fmt.Fprintf(out, "Reason:  %s\n", verdict.Reason)
	}
	for _, t := range verdict.Threats {
		fmt.Fprintf(out, "Threat:  %s\n", t)
	}
	return nil
}
