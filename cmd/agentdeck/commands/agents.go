package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/manager"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent roster grouped by root",
	RunE:  runAgents,
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	mgr := manager.New(cfg, bus)
	defer mgr.Close()
	mgr.Connect()

	if err := waitUntil(10*time.Second, mgr.Connected); err != nil {
		return fmt.Errorf("management server unreachable at %s", cfg.ManagementURL)
	}
	// The config frame with the roots arrives right after the channel
	// opens; give it a moment before falling back to the flat list.
	waitUntil(2*time.Second, func() bool { return len(mgr.Roots()) > 0 })

	groups := mgr.Groups()
	if groups == nil {
		for _, a := range mgr.Agents() {
			printAgentLine(a.ID, string(a.Status), a.Description)
		}
		return nil
	}

	for _, group := range groups {
		color.New(color.Bold).Println(group.Name)
		if len(group.Agents) == 0 {
			dimColor.Println("  (none)")
		}
		for _, a := range group.Agents {
			printAgentLine("  "+a.ID, string(a.Status), a.Description)
		}
		fmt.Println()
	}
	return nil
}

func printAgentLine(id, status, description string) {
	fmt.Printf("%-42s %-10s %s\n", id, status, description)
}
