package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/manager"
	"github.com/agentdeck/agentdeck/internal/server"
	"github.com/agentdeck/agentdeck/internal/session"
)

var (
	servePort int
	serveCORS bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the runtime over HTTP for dashboard shells",
	Long: `Connect to the management server and expose the runtime as an HTTP
API: the agent roster and groups, fleet commands, chat turns, session
transcripts, and a live SSE event stream.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "Enable CORS for browser clients")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	mgr := manager.New(cfg, bus)
	defer mgr.Close()
	mgr.Connect()

	registry := session.NewRegistry(session.Options{
		APIBaseURL:  cfg.APIURL,
		UserID:      cfg.UserID,
		TurnTimeout: cfg.TurnTimeout,
	})
	unbind := registry.Bind(bus)
	defer unbind()

	serverCfg := server.DefaultConfig()
	serverCfg.Port = servePort
	serverCfg.EnableCORS = serveCORS
	srv := server.New(serverCfg, mgr, registry, bus)

	errs := make(chan error, 1)
	go func() {
		logging.Info().Int("port", servePort).Msg("serving runtime API")
		errs <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-stop:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
