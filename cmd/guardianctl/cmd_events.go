package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"guardian/internal/eventbus"
)

var eventsFlags struct {
	url     string
	subject string
	typ     string
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print guardian events published on NATS",
	Long: `Subscribe to <subject>.> and print every decision, audit, state and
innovation event until interrupted. --type keeps only one event type.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.StringVar(&eventsFlags.url, "nats", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	f.StringVar(&eventsFlags.subject, "subject", "guardian.events", "Subject prefix the server publishes under")
	f.StringVar(&eventsFlags.typ, "type", "", "Only print events of this type")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: eventsFlags.url, Subject: eventsFlags.subject})
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = bus.Subscribe(ctx, func(evt eventbus.CanonicalEvent) {
		if eventsFlags.typ != "" && evt.Type != eventsFlags.typ {
			return
		}
		b, _ := json.MarshalIndent(evt, "", "  ")
		fmt.Printf("[%s] %s %s\n%s\n", time.Now().Format(time.RFC3339), evt.Type, evt.EventID, b)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	fmt.Fprintf(os.Stderr, "listening on %s.>\n", eventsFlags.subject)
	<-ctx.Done()
	return nil
}
