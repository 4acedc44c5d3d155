package commands

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/manager"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	chatAgent string
	chatFile  string
	chatStart bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Run one chat turn against an agent",
	Long: `Run a single turn against an agent and print the tool activity and
final answer as they arrive.

Examples:
  agentdeck chat --agent agents/weather "What is the weather in Tokyo?"
  agentdeck chat --agent agents/report --file q3.pdf
  agentdeck chat --agent agents/ticker --start "quote ACME"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatAgent, "agent", "a", "", "Agent identity to talk to (required)")
	chatCmd.Flags().StringVarP(&chatFile, "file", "f", "", "File to attach to the message")
	chatCmd.Flags().BoolVar(&chatStart, "start", false, "Start the agent first if it is stopped")
	chatCmd.MarkFlagRequired("agent")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	prompt := strings.Join(args, " ")
	if prompt == "" && chatFile == "" {
		return fmt.Errorf("message required. Usage: agentdeck chat --agent <id> \"your message\"")
	}

	bus := event.NewBus()
	defer bus.Close()

	mgr := manager.New(cfg, bus)
	defer mgr.Close()
	mgr.Connect()

	if err := waitUntil(10*time.Second, mgr.Connected); err != nil {
		return fmt.Errorf("management server unreachable at %s", cfg.ManagementURL)
	}

	agent, ok := mgr.Agent(chatAgent)
	if !ok {
		return fmt.Errorf("unknown agent %q", chatAgent)
	}

	if agent.Type == types.AgentTypeRemote && agent.Status != types.StatusRunning {
		if !chatStart {
			return fmt.Errorf("agent %q is not running (pass --start to launch it)", chatAgent)
		}
		mgr.Start(chatAgent)
		err := waitUntil(30*time.Second, func() bool {
			a, _ := mgr.Agent(chatAgent)
			return a.Status == types.StatusRunning
		})
		if err != nil {
			return fmt.Errorf("agent %q did not reach RUNNING", chatAgent)
		}
		agent, _ = mgr.Agent(chatAgent)
	}

	registry := session.NewRegistry(session.Options{
		APIBaseURL:  cfg.APIURL,
		UserID:      cfg.UserID,
		TurnTimeout: cfg.TurnTimeout,
	})
	unbind := registry.Bind(bus)
	defer unbind()

	var attachment *session.Attachment
	if chatFile != "" {
		attachment, err = loadAttachment(chatFile)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	sess := registry.Get(ctx, agent)

	turn, err := sess.RunTurn(ctx, prompt, attachment)
	if err != nil {
		return err
	}

	for {
		ev, err := turn.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printTurnEvent(ev)
	}
}

func loadAttachment(path string) (*session.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &session.Attachment{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func printTurnEvent(ev types.TurnEvent) {
	switch ev.Type {
	case types.TurnToolCall:
		color.Yellow("-> %s(%v)", ev.Name, ev.Args)
	case types.TurnToolResult:
		dimColor.Printf("<- %s: %s\n", ev.Name, ev.Content)
	case types.TurnFinalAnswer:
		fmt.Println(ev.Content)
	case types.TurnError:
		color.Red("error: %s", ev.Content)
	}
}

// waitUntil polls a condition until it holds or the deadline passes.
func waitUntil(timeout time.Duration, fn func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return context.DeadlineExceeded
}
