package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-guard/internal/messaging/nats"
)

var watchCmd = &cobra.Command{
	Use:   "watch [subject]",
	Short: "Tail alert, incident and mitigation events from NATS",
	Long: `Subscribes to the guard event bus and prints each event as it arrives.
The subject defaults to every guard subject (guard.>).`,
	Example: `  guard watch
  guard watch guard.incidents.>`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	subject := messaging.SubjectAll
	if len(args) == 1 {
		subject = args[0]
	}

	client, err := natsclient.NewClient(natsclient.ConfigFrom(cfg.NATS), logging.Discard())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := subscribeAndPrint(client, subject, cmd.OutOrStdout(), outputJSON(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	fmt.Fprintf(cmd.ErrOrStderr(), "watching %s on %s (ctrl-c to stop)\n", subject, cfg.NATS.URL)
	<-ctx.Done()
	return nil
}

// subscribeAndPrint writes one line per event to w. Handlers run on the
// broker's goroutines, so writes are serialized.
func subscribeAndPrint(s messaging.Subscriber, subject string, w io.Writer, raw bool) (messaging.Subscription, error) {
	var mu sync.Mutex
	return s.Subscribe(subject, func(_ context.Context, msg *messaging.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if raw {
			_, err := fmt.Fprintf(w, "%s\n", msg.Data)
			return err
		}
		_, err := fmt.Fprintf(w, "%s  %s %s\n",
			msg.Timestamp.Local().Format(time.TimeOnly),
			subjectColor(msg.Subject).Sprintf("%-28s", msg.Subject),
			summarize(msg.Data))
		return err
	})
}

func subjectColor(subject string) *color.Color {
	switch {
	case strings.HasSuffix(subject, ".escalated"):
		return blockedColor
	case strings.HasPrefix(subject, messaging.SubjectNotifications), strings.HasSuffix(subject, ".created"):
		return alertColor
	case strings.HasSuffix(subject, ".resolved"):
		return allowedColor
	default:
		return color.New(color.FgCyan)
	}
}

// summarize picks the identifying fields out of an event body.
func summarize(data []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		return string(data)
	}
	var parts []string
	for _, k := range []string{"id", "actor_key", "type", "severity", "aggregated_severity", "status", "target"} {
		if v, ok := ev[k]; ok && v != "" {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(parts) == 0 {
		return string(data)
	}
	return strings.Join(parts, " ")
}
