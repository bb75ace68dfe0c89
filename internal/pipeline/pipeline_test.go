package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/StateFlow/internal/agent"
	"github.com/BTreeMap/StateFlow/internal/buffer"
	"github.com/BTreeMap/StateFlow/internal/decision"
	"github.com/BTreeMap/StateFlow/internal/history"
	"github.com/BTreeMap/StateFlow/internal/messaging"
	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/BTreeMap/StateFlow/internal/tools"
	"github.com/BTreeMap/StateFlow/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const lead = "5511999999999"

var (
	brt = time.FixedZone("BRT", -3*60*60)
	now = time.Date(2025, 3, 12, 10, 0, 0, 0, brt)
)

type fixture struct {
	p       *Pipeline
	store   *store.InMemoryStore
	tracker *history.MemoryTracker
}

func newFixture(t *testing.T, reasoner decision.Reasoner, opts ...Option) fixture {
	t.Helper()
	if reasoner == nil {
		reasoner = decision.NewHeuristicReasoner()
	}
	return newEngineFixture(t, decision.NewEngine(reasoner), opts...)
}

func newEngineFixture(t *testing.T, engine *decision.Engine, opts ...Option) fixture {
	t.Helper()
	g, err := agent.LoadFile("testdata/clinic.yaml")
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	tr := history.NewMemoryTracker(history.DefaultWindow)
	d := tools.NewDispatcher(st,
		tools.WithClock(func() time.Time { return now }),
		tools.WithLocation(brt),
		tools.WithNotifier(messaging.NewOutboxNotifier(st)),
	)
	opts = append([]Option{WithStore(st), WithTracker(tr), WithDispatcher(d), WithClock(func() time.Time { return now })}, opts...)
	p := New(g, engine, validation.New(), opts...)
	return fixture{p: p, store: st, tracker: tr}
}

func msgs(texts ...string) []models.BufferedMessage {
	out := make([]models.BufferedMessage, len(texts))
	for i, text := range texts {
		out[i] = models.BufferedMessage{ID: text, ConversationID: lead, Text: text, ReceivedAt: now}
	}
	return out
}

func (f fixture) say(t *testing.T, text string) models.Conversation {
	t.Helper()
	require.NoError(t, f.p.HandleBatch(context.Background(), lead, msgs(text)))
	conv, err := f.store.GetConversation(context.Background(), lead)
	require.NoError(t, err)
	return conv
}

func TestHandleBatch_IntakeThroughBooking(t *testing.T) {
	f := newFixture(t, nil)

	steps := []struct {
		text  string
		state string
	}{
		{"Oi, meu nome é João", "ASK_AGE"},
		{"tenho 30 anos", "MENU"},
		{"quero agendar uma consulta", "ASK_DATE"},
		{"amanhã", "ASK_TIME"},
		{"às 10h", "BOOK"},
	}
	var conv models.Conversation
	for _, s := range steps {
		conv = f.say(t, s.text)
		require.Equal(t, s.state, conv.State, "after %q", s.text)
	}

	assert.Equal(t, "João", conv.Data["nome"])
	assert.Equal(t, 30.0, conv.Data["idade"])
	assert.Equal(t, "amanhã", conv.Data["data"])
	assert.Equal(t, "às 10h", conv.Data["horario"])

	require.Len(t, conv.Messages, 10)
	last := conv.Messages[9]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Text, "Consulta agendada para 13/03/2025 às 10:00.")
	assert.Contains(t, last.Text, "Posso ajudar em algo mais?")

	appts, err := f.store.ListAppointments(context.Background(), lead)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].StartsAt.Equal(time.Date(2025, 3, 13, 10, 0, 0, 0, brt)))
	assert.Equal(t, "João", appts[0].Notes)

	outbox := f.store.OutboxMessages()
	require.Len(t, outbox, 1)
	assert.Equal(t, lead, outbox[0].Recipient)
}

func TestHandleBatch_EscapesAfterRetryCeiling(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, "ASK_NAME", f.say(t, "oi").State)
	assert.Equal(t, "ASK_NAME", f.say(t, "olá").State)
	conv := f.say(t, "bom dia")
	assert.Equal(t, "HUMAN", conv.State)
	assert.Equal(t, "Um atendente vai falar com você em instantes.", conv.Messages[len(conv.Messages)-1].Text)

	repeats, err := f.tracker.Repeats(context.Background(), lead)
	require.NoError(t, err)
	assert.Zero(t, repeats, "state change resets the counter")
}

func TestHandleBatch_RestartsUnknownState(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.SaveConversation(context.Background(), models.Conversation{ID: lead, State: "REMOVED"}))

	conv := f.say(t, "meu nome é Ana")
	assert.Equal(t, "ASK_AGE", conv.State)
}

func TestHandleBatch_EmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.p.HandleBatch(context.Background(), lead, nil))
	_, err := f.store.GetConversation(context.Background(), lead)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCycle_SkipsCollectedStates(t *testing.T) {
	f := newFixture(t, nil)
	out := f.p.Cycle(context.Background(), Turn{
		ConversationID: lead,
		State:          "ASK_NAME",
		Data:           map[string]any{"idade": 30},
		Batch:          msgs("meu nome é Ana"),
	})
	assert.Equal(t, "MENU", out.State)
	assert.Equal(t, []string{"ASK_AGE"}, out.Skipped)
	assert.Equal(t, "Ana", out.Data["nome"])
	assert.Equal(t, "Você quer agendar, remarcar ou cancelar uma consulta?", out.Reply)
	assert.False(t, out.Fallback)
}

func TestCycle_RetriesOnceWithJustification(t *testing.T) {
	var extras [][]string
	reasoner := decision.ReasonerFunc(func(ctx context.Context, pc decision.PromptContext) (string, error) {
		extras = append(extras, pc.Extra)
		if len(pc.Extra) == 0 {
			return `{"answered":true,"extracted":"Maria","reasoning":["guessed"]}`, nil
		}
		return `{"answered":true,"extracted":"Ana","reasoning":["read the message again"]}`, nil
	})
	f := newFixture(t, reasoner)

	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "ASK_NAME", Data: map[string]any{}, Batch: msgs("meu nome é Ana")})
	assert.True(t, out.Retried)
	assert.False(t, out.Fallback)
	assert.Equal(t, "ASK_AGE", out.State)
	assert.Equal(t, "Ana", out.Data["nome"])
	require.Len(t, extras, 2)
	require.Len(t, extras[1], 1)
	assert.Contains(t, extras[1][0], "Maria")
}

func TestCycle_PersistentRejectionFallsBackInPlace(t *testing.T) {
	calls := 0
	reasoner := decision.ReasonerFunc(func(ctx context.Context, pc decision.PromptContext) (string, error) {
		calls++
		return `{"answered":true,"extracted":"Maria","reasoning":["guessed"]}`, nil
	})
	f := newFixture(t, reasoner)

	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "ASK_NAME", Data: map[string]any{}, Batch: msgs("meu nome é Ana")})
	assert.Equal(t, 2, calls, "exactly one retry")
	assert.True(t, out.Fallback)
	assert.Equal(t, "ASK_NAME", out.State)
	assert.NotContains(t, out.Data, "nome")
	assert.Equal(t, "Qual é o seu nome?", out.Reply)
}

func TestCycle_ReasonerErrorKeepsConversationGoing(t *testing.T) {
	reasoner := decision.ReasonerFunc(func(ctx context.Context, pc decision.PromptContext) (string, error) {
		return "", errors.New("upstream timeout")
	})
	f := newFixture(t, reasoner)

	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "ASK_AGE", Data: map[string]any{"nome": "Ana"}, Batch: msgs("30")})
	assert.Equal(t, models.VerdictError, out.Decision.Verdict)
	assert.False(t, out.Retried)
	assert.True(t, out.Fallback)
	assert.Equal(t, "ASK_AGE", out.State)
	assert.Equal(t, "Quantos anos você tem?", out.Reply)
	assert.NotContains(t, out.Reply, "timeout")
}

func TestCycle_LoopFallsBackToEscape(t *testing.T) {
	f := newEngineFixture(t, decision.NewEngine(decision.NewHeuristicReasoner(), decision.WithRetryCeiling(10)))
	hist := models.TransitionHistory{Entries: []models.Transition{
		{State: "ASK_NAME", At: now}, {State: "ASK_NAME", At: now}, {State: "ASK_NAME", At: now},
	}}
	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "ASK_NAME", Data: map[string]any{}, Batch: msgs("oi"), History: hist, Repeats: 2})
	assert.True(t, out.Fallback)
	assert.False(t, out.Validation.Retryable)
	assert.Equal(t, "HUMAN", out.State)
}

func TestCycle_RefusedIntentStaysInMenu(t *testing.T) {
	books := decision.ReasonerFunc(func(ctx context.Context, pc decision.PromptContext) (string, error) {
		return `{"intent_state":"ASK_DATE","reasoning":["mentions booking"]}`, nil
	})
	for name, reasoner := range map[string]decision.Reasoner{"heuristic": nil, "model": books} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, reasoner)
			out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "MENU", Data: map[string]any{"nome": "Ana", "idade": 30.0}, Batch: msgs("não quero agendar consulta")})
			assert.True(t, out.Fallback)
			assert.Equal(t, "MENU", out.State)
			assert.Equal(t, "Você quer agendar, remarcar ou cancelar uma consulta?", out.Reply)
		})
	}
}

func TestCycle_DoubtIsNotALoop(t *testing.T) {
	f := newFixture(t, nil)
	hist := models.TransitionHistory{Entries: []models.Transition{
		{State: "ASK_NAME", At: now}, {State: "ASK_NAME", At: now}, {State: "ASK_NAME", At: now},
	}}
	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "ASK_NAME", Data: map[string]any{}, Batch: msgs("pra que vocês precisam do meu nome?"), History: hist, Repeats: 2})
	assert.False(t, out.Fallback)
	assert.Equal(t, "ASK_NAME", out.State)
	assert.True(t, out.Decision.Doubt)
}

func TestCycle_ToolFailureRepliesWithApology(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Book(context.Background(), "other-lead", time.Date(2025, 3, 13, 10, 0, 0, 0, brt), "")
	require.NoError(t, err)

	out := f.p.Cycle(context.Background(), Turn{
		ConversationID: lead,
		State:          "ASK_TIME",
		Data:           map[string]any{"nome": "Ana", "data": "amanhã"},
		Batch:          msgs("às 10h"),
	})
	assert.Equal(t, "BOOK", out.State)
	require.Len(t, out.ToolResults, 1)
	assert.False(t, out.ToolResults[0].Success)
	assert.Contains(t, out.Reply, "ocupado")
	assert.NotContains(t, out.Reply, "Consulta agendada!")
}

func TestCycle_UnknownState(t *testing.T) {
	f := newFixture(t, nil)
	out := f.p.Cycle(context.Background(), Turn{ConversationID: lead, State: "NOWHERE", Batch: msgs("oi")})
	assert.True(t, out.Fallback)
	assert.Equal(t, "NOWHERE", out.State)
	assert.Empty(t, out.Reply)
}

func TestBufferFeedsPipeline(t *testing.T) {
	outcomes := make(chan Outcome, 1)
	f := newFixture(t, nil, WithOutcomeHook(func(ctx context.Context, id string, out Outcome) {
		outcomes <- out
	}))
	buf := buffer.New(f.p.HandleBatch, buffer.WithStatusRecorder(f.store))
	cfg := buffer.Config{Enabled: true, Delay: 20 * time.Millisecond}

	_, err := buf.Enqueue(lead, "Meu nome é", cfg)
	require.NoError(t, err)
	_, err = buf.Enqueue(lead, "João", cfg)
	require.NoError(t, err)

	select {
	case out := <-outcomes:
		assert.Equal(t, "ASK_AGE", out.State)
		assert.Equal(t, "João", out.Data["nome"])
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not processed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, buf.Shutdown(ctx))

	require.Eventually(t, func() bool {
		logged := f.store.BufferedMessages(lead)
		if len(logged) != 2 {
			return false
		}
		for _, m := range logged {
			if m.Status != models.MessageStatusCompleted {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}
