package runtime_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/manager"
	"github.com/agentdeck/agentdeck/internal/testutil"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var _ = Describe("Realtime Channel", func() {
	var (
		srv *testutil.ManagementServer
		bus *event.Bus
		mgr *manager.Manager
	)

	BeforeEach(func() {
		srv = testutil.NewManagementServer(
			[]types.Agent{
				{ID: "agents/weather", Name: "weather", Type: types.AgentTypeNative},
				{ID: "agents/ticker", Name: "ticker", Type: types.AgentTypeRemote},
			},
			[]types.AgentRoot{{Name: "Agents", Path: "agents/"}},
		)

		cfg := config.Default()
		cfg.ManagementURL = srv.URL()
		cfg.ReconnectInterval = 50 * time.Millisecond

		bus = event.NewBus()
		mgr = manager.New(cfg, bus)
		mgr.Connect()

		Eventually(mgr.Connected, "5s", "10ms").Should(BeTrue())
	})

	AfterEach(func() {
		mgr.Close()
		bus.Close()
		srv.Close()
	})

	agentStatus := func(id string) func() types.AgentStatus {
		return func() types.AgentStatus {
			a, _ := mgr.Agent(id)
			return a.Status
		}
	}

	Describe("connecting", func() {
		It("seeds every roster agent as stopped", func() {
			agents := mgr.Agents()
			Expect(agents).To(HaveLen(2))
			for _, a := range agents {
				Expect(a.Status).To(Equal(types.StatusStopped))
				Expect(a.URL).To(BeEmpty())
			}
		})

		It("receives the configured roots", func() {
			Eventually(mgr.Roots, "5s", "10ms").Should(HaveLen(1))
			Expect(mgr.Roots()[0].Name).To(Equal("Agents"))
		})
	})

	Describe("starting an agent", func() {
		It("walks STOPPED -> STARTING -> RUNNING with the assigned URL", func() {
			mgr.Start("agents/weather")
			Expect(agentStatus("agents/weather")()).To(Equal(types.StatusStarting))

			command, ok := srv.NextCommand(5 * time.Second)
			Expect(ok).To(BeTrue())
			Expect(command["action"]).To(Equal("start"))
			Expect(command["agent_name"]).To(Equal("agents/weather"))

			srv.SendStatus("agents/weather", "running", "http://127.0.0.1:8001")
			Eventually(agentStatus("agents/weather"), "5s", "10ms").Should(Equal(types.StatusRunning))

			a, _ := mgr.Agent("agents/weather")
			Expect(a.URL).To(Equal("http://127.0.0.1:8001"))
		})
	})

	Describe("channel loss", func() {
		It("forces every agent back to stopped and reconnects", func() {
			srv.SendStatus("agents/weather", "running", "http://127.0.0.1:8001")
			Eventually(agentStatus("agents/weather"), "5s", "10ms").Should(Equal(types.StatusRunning))

			srv.DropClient()
			Eventually(agentStatus("agents/weather"), "5s", "10ms").Should(Equal(types.StatusStopped))

			a, _ := mgr.Agent("agents/weather")
			Expect(a.URL).To(BeEmpty())

			Eventually(mgr.Connected, "5s", "10ms").Should(BeTrue())
			Expect(mgr.Logs()).To(ContainElement("--- Reconnected to management server ---"))
		})
	})

	Describe("log frames", func() {
		It("tags lines with the emitting agent", func() {
			srv.SendLog("agents/weather", "listening on :8001")
			Eventually(mgr.Logs, "5s", "10ms").Should(ContainElement("[agents/weather] listening on :8001"))
		})
	})

	Describe("agent events", func() {
		It("queues realtime events until cleared", func() {
			srv.SendAgentEvent("agents/ticker", "tick", map[string]any{"n": 1})
			Eventually(func() []types.AgentPush {
				return mgr.Events("agents/ticker")
			}, "5s", "10ms").Should(HaveLen(1))
			Expect(mgr.Events("agents/ticker")[0].Event).To(Equal("tick"))

			mgr.ClearEvents("agents/ticker")
			Expect(mgr.Events("agents/ticker")).To(BeEmpty())
		})
	})
})
