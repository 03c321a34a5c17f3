package relay

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	_ "github.com/mattn/go-sqlite3"

	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/models"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
	"chatrelay/internal/session"
	"chatrelay/internal/storage"
	"chatrelay/internal/transcript"
)

// fakeCall scripts one StreamCompletion invocation.
type fakeCall struct {
	chunks  []string
	tokens  int
	failMid bool          // emit a stream error after the chunks
	callErr error         // fail the call itself, before any stream
	hold    chan struct{} // when set, the stream stays open until closed
}

type fakeAdapter struct {
	vendor    string
	modelList []string

	mu    sync.Mutex
	calls []fakeCall
	seen  [][]models.Turn
}

func (a *fakeAdapter) Vendor() string   { return a.vendor }
func (a *fakeAdapter) Models() []string { return a.modelList }

func (a *fakeAdapter) StreamCompletion(ctx context.Context, modelID string, turns []models.Turn, params provider.Params) (*provider.Stream, error) {
	a.mu.Lock()
	call := fakeCall{}
	if len(a.calls) > 0 {
		call = a.calls[0]
		if len(a.calls) > 1 {
			a.calls = a.calls[1:]
		}
	}
	a.seen = append(a.seen, append([]models.Turn(nil), turns...))
	a.mu.Unlock()

	if call.callErr != nil {
		return nil, &provider.Error{Vendor: a.vendor, Err: call.callErr}
	}

	sr, sw := schema.Pipe[*schema.Message](len(call.chunks) + 2)
	go func() {
		defer sw.Close()
		for _, chunk := range call.chunks {
			sw.Send(&schema.Message{Role: schema.Assistant, Content: chunk}, nil)
		}
		if call.hold != nil {
			<-call.hold
		}
		if call.failMid {
			sw.Send(nil, errors.New("stream interrupted"))
			return
		}
		sw.Send(&schema.Message{
			Role:         schema.Assistant,
			ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{TotalTokens: call.tokens}},
		}, nil)
	}()
	return provider.NewStream(a.vendor, sr, 0), nil
}

func (a *fakeAdapter) lastSeen() []models.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.seen) == 0 {
		return nil
	}
	return a.seen[len(a.seen)-1]
}

type fixture struct {
	relay   *Relay
	adapter *fakeAdapter
	hub     *delivery.Hub
	queues  *delivery.QueueSet
	store   *transcript.Store
	mgr     *session.Manager
	prompt  int64
}

func newFixture(t *testing.T, calls ...fakeCall) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	catalog := prompt.NewCatalog(db, nil)
	p, err := catalog.Create(context.Background(), "Terse", "Answer in one sentence.")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	adapter := &fakeAdapter{vendor: "fake", modelList: []string{"fake-model"}, calls: calls}
	registry := provider.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	mgr := session.NewManager(catalog, nil)
	store := transcript.NewStore(db)
	hub := delivery.NewHub()
	queues := delivery.NewQueueSet()
	r := New(Config{
		Sessions: mgr,
		Store:    store,
		Registry: registry,
		Hub:      hub,
		Queues:   queues,
		UserID:   config.DefaultUserID,
		Params:   provider.Params{Temperature: 1.0, MaxTokens: 2000},
	})
	return &fixture{relay: r, adapter: adapter, hub: hub, queues: queues, store: store, mgr: mgr, prompt: p.ID}
}

func (f *fixture) ask(t *testing.T, sessionID, question string) *Receipt {
	t.Helper()
	receipt, err := f.relay.Ask(context.Background(), AskRequest{
		SessionID: sessionID,
		PromptID:  f.prompt,
		Model:     "fake-model",
		Question:  question,
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	return receipt
}

// collectTurn reads events until the turn terminates and then waits for
// the relay to return to idle.
func collectTurn(t *testing.T, f *fixture, sessionID string, sub *delivery.Subscriber) []delivery.Event {
	t.Helper()
	var events []delivery.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscriber dropped mid-turn")
			}
			events = append(events, ev)
			if ev.Kind == delivery.KindEnd || ev.Kind == delivery.KindError {
				waitIdle(t, f.relay, sessionID)
				return events
			}
		case <-deadline:
			t.Fatalf("turn did not terminate; events so far: %#v", events)
		}
	}
}

func waitIdle(t *testing.T, r *Relay, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State(sessionID) == StateIdle {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("relay never returned to idle, state %s", r.State(sessionID))
}

func TestAskStreamsAndPersistsAnswer(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: []string{"Hel", "lo"}, tokens: 9})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	receipt := f.ask(t, "s1", "Say hello")
	if receipt.ChatID == 0 {
		t.Fatalf("no chat id in receipt")
	}
	if receipt.Question == nil || receipt.Question.Content != "Say hello" || receipt.Question.Type != models.TypeQuestion {
		t.Fatalf("question row mismatch: %#v", receipt.Question)
	}

	events := collectTurn(t, f, "s1", sub)
	if len(events) != 3 {
		t.Fatalf("expected chunk, chunk, end; got %#v", events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Fatalf("chunks out of order: %#v", events)
	}
	if events[2].Kind != delivery.KindEnd || events[2].TokenCount != 9 {
		t.Fatalf("end event mismatch: %#v", events[2])
	}

	// The provider saw system + user, in order.
	turns := f.adapter.lastSeen()
	if len(turns) != 2 || turns[0].Role != models.RoleSystem || turns[1].Content != "Say hello" {
		t.Fatalf("provider turns wrong: %#v", turns)
	}

	// Durable transcript holds the question and the assembled answer.
	msgs, err := f.store.ListMessages(context.Background(), receipt.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Type != models.TypeQuestion || msgs[1].Type != models.TypeAnswer {
		t.Fatalf("transcript rows wrong: %#v", msgs)
	}
	if msgs[1].Content != "Hello" {
		t.Fatalf("answer not assembled from chunks: %q", msgs[1].Content)
	}

	// Context window now ends with the assistant turn.
	sc, ok := f.mgr.Get("s1")
	if !ok {
		t.Fatalf("context gone")
	}
	last := sc.Turns[len(sc.Turns)-1]
	if last.Role != models.RoleAssistant || last.Content != "Hello" {
		t.Fatalf("assistant turn not recorded: %#v", last)
	}

	// The pull channel buffered the same events in the same order.
	drained := f.queues.Drain("s1")
	if len(drained) != 3 || drained[0].Text != "Hel" || drained[2].Kind != delivery.KindEnd {
		t.Fatalf("queue events wrong: %#v", drained)
	}
}

func TestSecondTurnReusesChat(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: []string{"one"}})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	first := f.ask(t, "s1", "first")
	collectTurn(t, f, "s1", sub)
	second := f.ask(t, "s1", "second")
	collectTurn(t, f, "s1", sub)

	if first.ChatID != second.ChatID {
		t.Fatalf("second turn opened a new chat: %d vs %d", first.ChatID, second.ChatID)
	}
	msgs, err := f.store.ListMessages(context.Background(), first.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected q,a,q,a rows, got %d", len(msgs))
	}

	// The second call replays the full accumulated context.
	turns := f.adapter.lastSeen()
	if len(turns) != 4 {
		t.Fatalf("second call should carry 4 turns, got %#v", turns)
	}
}

func TestSessionBusyRejectsConcurrentTurn(t *testing.T) {
	hold := make(chan struct{})
	f := newFixture(t, fakeCall{chunks: []string{"slow"}, hold: hold}, fakeCall{chunks: []string{"ok"}})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	f.ask(t, "s1", "first")

	_, err := f.relay.Ask(context.Background(), AskRequest{
		SessionID: "s1", PromptID: f.prompt, Model: "fake-model", Question: "second",
	})
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	close(hold)
	collectTurn(t, f, "s1", sub)

	// Once the turn finishes the session accepts questions again.
	f.ask(t, "s1", "third")
	collectTurn(t, f, "s1", sub)
}

func TestMidStreamFailureKeepsDeliveredChunks(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: []string{"Hel"}, failMid: true})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	receipt := f.ask(t, "s1", "doomed")
	events := collectTurn(t, f, "s1", sub)

	if len(events) != 2 || events[0].Text != "Hel" || events[1].Kind != delivery.KindError {
		t.Fatalf("expected chunk then error, got %#v", events)
	}
	if events[1].Message == "" {
		t.Fatalf("error event carries no message")
	}

	// Question persisted, partial answer not.
	msgs, err := f.store.ListMessages(context.Background(), receipt.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != models.TypeQuestion {
		t.Fatalf("partial answer leaked into transcript: %#v", msgs)
	}

	// Context ends with the user turn; no partial assistant turn.
	sc, _ := f.mgr.Get("s1")
	last := sc.Turns[len(sc.Turns)-1]
	if last.Role != models.RoleUser {
		t.Fatalf("context last turn: %#v", last)
	}

	// The session is not wedged.
	f.ask(t, "s1", "retry")
	collectTurn(t, f, "s1", sub)
}

func TestProviderCallFailure(t *testing.T) {
	f := newFixture(t, fakeCall{callErr: errors.New("connect refused")})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	f.ask(t, "s1", "hello")
	events := collectTurn(t, f, "s1", sub)
	if len(events) != 1 || events[0].Kind != delivery.KindError {
		t.Fatalf("expected a single error event, got %#v", events)
	}
}

func TestAskRejectsBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  AskRequest
		want error
	}{
		{"empty question", AskRequest{SessionID: "s1", PromptID: f.prompt, Model: "fake-model", Question: "  \n"}, session.ErrEmptyInput},
		{"unknown model", AskRequest{SessionID: "s1", PromptID: f.prompt, Model: "nope", Question: "hi"}, provider.ErrUnknownModel},
	}
	for _, tc := range cases {
		if _, err := f.relay.Ask(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v, got %v", tc.name, tc.want, err)
		}
	}

	// Unknown prompt fails after the busy guard but still leaves no trace.
	if _, err := f.relay.Ask(ctx, AskRequest{SessionID: "s1", PromptID: 999, Model: "fake-model", Question: "hi"}); !errors.Is(err, prompt.ErrNotFound) {
		t.Fatalf("unknown prompt: got %v", err)
	}
	if f.relay.State("s1") != StateIdle {
		t.Fatalf("rejected ask left state %s", f.relay.State("s1"))
	}
	if _, ok := f.mgr.Get("s1"); ok {
		t.Fatalf("rejected ask initialized a context")
	}
	chats, err := f.store.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("rejected ask persisted a chat: %#v", chats)
	}
}

func TestResetStartsFreshChat(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: []string{"a"}})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	first := f.ask(t, "s1", "before reset")
	collectTurn(t, f, "s1", sub)

	f.queues.Push("s1", delivery.Event{Kind: delivery.KindChunk, Text: "stale"})
	f.relay.Reset(context.Background(), "s1")
	if got := f.queues.Drain("s1"); got != nil {
		t.Fatalf("reset left buffered events: %#v", got)
	}

	second := f.ask(t, "s1", "after reset")
	collectTurn(t, f, "s1", sub)
	if second.ChatID == first.ChatID {
		t.Fatalf("reset did not open a new chat")
	}

	// The new context carries no turns from before the reset.
	turns := f.adapter.lastSeen()
	if len(turns) != 2 {
		t.Fatalf("context leaked across reset: %#v", turns)
	}
}

func TestSessionsStreamIndependently(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: []string{"shared"}})
	subA := f.hub.Subscribe("a")
	subB := f.hub.Subscribe("b")
	defer f.hub.Unsubscribe(subA)
	defer f.hub.Unsubscribe(subB)

	ra := f.ask(t, "a", "from a")
	rb := f.ask(t, "b", "from b")
	if ra.ChatID == rb.ChatID {
		t.Fatalf("sessions share a chat row")
	}

	eventsA := collectTurn(t, f, "a", subA)
	eventsB := collectTurn(t, f, "b", subB)
	for name, events := range map[string][]delivery.Event{"a": eventsA, "b": eventsB} {
		if len(events) != 2 || events[1].Kind != delivery.KindEnd {
			t.Fatalf("session %s events wrong: %#v", name, events)
		}
	}

	scA, _ := f.mgr.Get("a")
	scB, _ := f.mgr.Get("b")
	if scA.Turns[1].Content == scB.Turns[1].Content {
		t.Fatalf("session contexts cross-contaminated")
	}
}

func TestEmptyAnswerNotPersisted(t *testing.T) {
	f := newFixture(t, fakeCall{chunks: nil, tokens: 0})
	sub := f.hub.Subscribe("s1")
	defer f.hub.Unsubscribe(sub)

	receipt := f.ask(t, "s1", "silence please")
	events := collectTurn(t, f, "s1", sub)
	if len(events) != 1 || events[0].Kind != delivery.KindEnd {
		t.Fatalf("expected bare end event, got %#v", events)
	}

	msgs, err := f.store.ListMessages(context.Background(), receipt.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("empty answer persisted: %#v", msgs)
	}
	sc, _ := f.mgr.Get("s1")
	if sc.Turns[len(sc.Turns)-1].Role != models.RoleUser {
		t.Fatalf("empty assistant turn recorded: %#v", sc.Turns)
	}
}
