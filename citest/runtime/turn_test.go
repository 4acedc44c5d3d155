package runtime_test

import (
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/testutil"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// drain pulls every event from a turn until the stream ends.
func drain(turn *session.Turn) ([]types.TurnEvent, error) {
	var events []types.TurnEvent
	for {
		ev, err := turn.Recv()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

var _ = Describe("Turn Protocol", func() {
	var agentSrv *testutil.AgentServer

	BeforeEach(func() {
		agentSrv = testutil.NewAgentServer()
	})

	AfterEach(func() {
		agentSrv.Close()
	})

	Describe("native agents", func() {
		var sess *session.Session

		BeforeEach(func() {
			sess = session.New(
				types.Agent{ID: "agents/weather", Name: "weather", Type: types.AgentTypeNative},
				session.Options{APIBaseURL: agentSrv.URL(), UserID: "forusone", TurnTimeout: 30 * time.Second},
			)
		})

		It("runs a buffered turn and appends both sides to history", func() {
			agentSrv.ScriptResponse("It is sunny.")

			turn, err := sess.RunTurn(ctx, "What is the weather?", nil)
			Expect(err).NotTo(HaveOccurred())

			events, err := drain(turn)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(types.TurnFinalAnswer))
			Expect(events[0].Content).To(Equal("It is sunny."))

			history := sess.History()
			Expect(history).To(HaveLen(2))
			Expect(history[0]).To(Equal(types.ChatMessage{Role: types.RoleUser, Content: "What is the weather?"}))
			Expect(history[1]).To(Equal(types.ChatMessage{Role: types.RoleModel, Content: "It is sunny."}))
		})

		It("records an audit entry per turn", func() {
			agentSrv.ScriptResponse("ok")

			turn, err := sess.RunTurn(ctx, "ping", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = drain(turn)
			Expect(err).NotTo(HaveOccurred())

			records := sess.Requests()
			Expect(records).To(HaveLen(1))
			Expect(records[0].Response.Status).To(Equal(200))
			Expect(records[0].Request.URL).To(HaveSuffix("/run_turn"))
		})

		It("uploads an attachment before the turn", func() {
			agentSrv.ScriptResponse("received")

			turn, err := sess.RunTurn(ctx, "", &session.Attachment{
				Name:     "report.txt",
				MimeType: "text/plain",
				Data:     []byte("contents"),
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = drain(turn)
			Expect(err).NotTo(HaveOccurred())

			Expect(agentSrv.Uploads()).To(Equal([]string{"report.txt"}))

			history := sess.History()
			Expect(history[0].Content).To(ContainSubstring("Please analyze the attached file."))
			Expect(history[0].Content).To(ContainSubstring("[File attached: report.txt]"))
		})

		It("rejects a second turn while one is in flight", func() {
			agentSrv.ScriptResponse("ok")

			turn, err := sess.RunTurn(ctx, "first", nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = sess.RunTurn(ctx, "second", nil)
			Expect(err).To(MatchError(session.ErrTurnInProgress))

			_, err = drain(turn)
			Expect(err).NotTo(HaveOccurred())

			// The guard releases once the first turn finishes.
			turn, err = sess.RunTurn(ctx, "second", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = drain(turn)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("remote-protocol agents", func() {
		var sess *session.Session

		BeforeEach(func() {
			sess = session.New(
				types.Agent{
					ID:   "agents/ticker",
					Name: "ticker",
					Type: types.AgentTypeRemote,
					URL:  agentSrv.URL(),
				},
				session.Options{UserID: "forusone", TurnTimeout: 30 * time.Second},
			)
			Expect(sess.Create(ctx)).To(Succeed())
		})

		It("creates the remote session under the configured user", func() {
			paths := agentSrv.SessionRequests()
			Expect(paths).To(HaveLen(1))
			Expect(paths[0]).To(Equal("/apps/ticker/users/forusone/sessions/" + sess.ID()))
		})

		It("streams tool activity in arrival order before the final answer", func() {
			agentSrv.ScriptStream(
				`{"content":{"role":"model","parts":[{"functionCall":{"name":"get_quote","args":{"symbol":"ACME"}}}]}}`,
				`{"content":{"role":"tool","parts":[{"functionResponse":{"name":"get_quote","response":{"price":42}}}]}}`,
				`{"content":{"role":"model","parts":[{"text":"ACME trades at 42."}]}}`,
			)

			turn, err := sess.RunTurn(ctx, "quote ACME", nil)
			Expect(err).NotTo(HaveOccurred())

			events, err := drain(turn)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
			Expect(events[0].Type).To(Equal(types.TurnToolCall))
			Expect(events[0].Name).To(Equal("get_quote"))
			Expect(events[1].Type).To(Equal(types.TurnToolResult))
			Expect(events[2].Type).To(Equal(types.TurnFinalAnswer))
			Expect(events[2].Content).To(Equal("ACME trades at 42."))

			history := sess.History()
			Expect(history).To(HaveLen(4))
			Expect(history[0].Role).To(Equal(types.RoleUser))
			Expect(history[1].Role).To(Equal(types.RoleTool))
			Expect(history[2].Role).To(Equal(types.RoleTool))
			Expect(history[3].Role).To(Equal(types.RoleModel))
		})

		It("fails a stream that ends without a final answer", func() {
			agentSrv.ScriptStream(
				`{"content":{"role":"model","parts":[{"functionCall":{"name":"get_quote","args":{}}}]}}`,
			)

			turn, err := sess.RunTurn(ctx, "quote", nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = drain(turn)
			Expect(err).To(HaveOccurred())

			history := sess.History()
			last := history[len(history)-1]
			Expect(last.Role).To(Equal(types.RoleModel))
			Expect(last.Content).To(ContainSubstring("Error"))
		})
	})
})
