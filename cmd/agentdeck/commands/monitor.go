package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/manager"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	statusColors = map[types.AgentStatus]*color.Color{
		types.StatusRunning:  color.New(color.FgGreen),
		types.StatusStarting: color.New(color.FgYellow),
		types.StatusStopping: color.New(color.FgYellow),
		types.StatusStopped:  color.New(color.FgRed),
		types.StatusError:    color.New(color.FgRed, color.Bold),
	}
	dimColor  = color.New(color.Faint)
	infoColor = color.New(color.FgCyan)
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Tail agent status and logs from the management server",
	Long: `Connect to the management server and print every status change,
log line, and connection event as it arrives. Runs until interrupted.`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	bus.Subscribe(event.Connected, func(e event.Event) {
		data := e.Data.(event.ConnectionData)
		if data.Reconnect {
			infoColor.Println("reconnected to management server")
		} else {
			infoColor.Printf("connected to %s\n", cfg.ManagementURL)
		}
	})
	bus.Subscribe(event.Disconnected, func(e event.Event) {
		color.Red("disconnected, retrying...")
	})
	bus.Subscribe(event.StatusChanged, func(e event.Event) {
		data := e.Data.(event.StatusChangedData)
		c, ok := statusColors[data.Agent.Status]
		if !ok {
			c = dimColor
		}
		line := fmt.Sprintf("%-40s %s", data.Agent.ID, data.Agent.Status)
		if data.Agent.URL != "" {
			line += "  " + data.Agent.URL
		}
		c.Println(line)
	})
	bus.Subscribe(event.LogAppended, func(e event.Event) {
		dimColor.Println(e.Data.(event.LogAppendedData).Line)
	})
	bus.Subscribe(event.AgentEventReceived, func(e event.Event) {
		data := e.Data.(event.AgentEventData)
		infoColor.Printf("[%s] event: %s %s\n", data.AgentID, data.Push.Event, string(data.Push.Data))
	})

	mgr := manager.New(cfg, bus)
	defer mgr.Close()
	mgr.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println()
	return nil
}
