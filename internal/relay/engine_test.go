package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicerelay/internal/journal"
	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/profile"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
)

type completerFunc func(ctx context.Context, req llm.Request) (llm.Completion, error)

func (f completerFunc) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	return f(ctx, req)
}

// recordingCompleter answers from a script and keeps every request it saw.
type recordingCompleter struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(n int, req llm.Request) (llm.Completion, error)
}

func (c *recordingCompleter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	c.mu.Lock()
	n := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.reply(n, req)
}

func (c *recordingCompleter) seen() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// captureStore remembers the ids of created journal sessions.
type captureStore struct {
	*journal.InMemoryStore
	created chan string
}

func newCaptureStore() *captureStore {
	return &captureStore{InMemoryStore: journal.NewInMemoryStore(), created: make(chan string, 16)}
}

func (s *captureStore) CreateSession(ctx context.Context, key string, call journal.CallMetadata) (string, error) {
	id, err := s.InMemoryStore.CreateSession(ctx, key, call)
	if err == nil {
		s.created <- id
	}
	return id, err
}

type testEngine struct {
	*Engine
	store    *captureStore
	sessions *session.Manager
	profiles *profile.MemoryStore
	mu       sync.Mutex
	creds    []string
}

func newTestEngine(t *testing.T, cfg Config, c llm.Completer, profiles ...profile.Profile) *testEngine {
	t.Helper()
	te := &testEngine{
		store:    newCaptureStore(),
		sessions: session.NewManager(time.Minute),
		profiles: profile.NewMemoryStore(profiles...),
	}
	factory := func(credential string) (llm.Completer, error) {
		te.mu.Lock()
		te.creds = append(te.creds, credential)
		te.mu.Unlock()
		return c, nil
	}
	if cfg.DefaultCredential == "" {
		cfg.DefaultCredential = "sk-default"
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	te.Engine = NewEngine(cfg, te.profiles, factory, te.store, te.sessions, metrics, nil)
	return te
}

func (te *testEngine) credentials() []string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return append([]string(nil), te.creds...)
}

type testConn struct {
	t        *testing.T
	inbound  chan any
	outbound chan any
	done     chan error
}

func (te *testEngine) connect(t *testing.T, sessionKey string) *testConn {
	t.Helper()
	c := &testConn{
		t:        t,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 16),
		done:     make(chan error, 1),
	}
	go func() {
		c.done <- te.RunConnection(context.Background(), sessionKey, c.inbound, c.outbound)
	}()
	return c
}

func (c *testConn) setup() {
	c.inbound <- protocol.Setup{Type: protocol.TypeSetup, CallSID: "CA123", From: "+15550001111", To: "+15550002222", Direction: "inbound"}
}

func (c *testConn) prompt(text string) {
	c.inbound <- protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: text}
}

func (c *testConn) next() any {
	c.t.Helper()
	select {
	case msg := <-c.outbound:
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (c *testConn) text() string {
	c.t.Helper()
	msg := c.next()
	txt, ok := msg.(protocol.Text)
	if !ok {
		c.t.Fatalf("outbound = %#v, want protocol.Text", msg)
	}
	if !txt.Last {
		c.t.Fatalf("text.Last = false, want true")
	}
	return txt.Token
}

func (c *testConn) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case msg := <-c.outbound:
		c.t.Fatalf("unexpected outbound message %#v", msg)
	case <-time.After(d):
	}
}

func (c *testConn) close() error {
	c.t.Helper()
	close(c.inbound)
	select {
	case err := <-c.done:
		return err
	case <-time.After(2 * time.Second):
		c.t.Fatalf("RunConnection did not return after inbound closed")
		return nil
	}
}

// journaled waits for the next journal session to be ended and returns it with its turns.
func (te *testEngine) journaled(t *testing.T) (journal.SessionRecord, []journal.TurnRecord) {
	t.Helper()
	var id string
	select {
	case id = <-te.store.created:
	case <-time.After(2 * time.Second):
		t.Fatalf("journal session was never created")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := te.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if rec.EndedAt != nil {
			turns, err := te.store.ListTurns(context.Background(), id)
			if err != nil {
				t.Fatalf("ListTurns() error = %v", err)
			}
			return rec, turns
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal session %s was never ended", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func staticReply(content string) llm.Completer {
	return completerFunc(func(context.Context, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: content}, nil
	})
}

func TestExampleScenarioTerseProfile(t *testing.T) {
	completer := &recordingCompleter{reply: func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: "I don't have real-time access."}, nil
	}}
	te := newTestEngine(t, Config{}, completer, profile.Profile{
		SessionKey:   "tok_abc",
		SystemPrompt: "You are terse.",
		Credential:   "sk-student",
	})

	conn := te.connect(t, "tok_abc")
	conn.setup()
	conn.prompt("What time is it?")

	if got := conn.text(); got != "I don't have real-time access." {
		t.Fatalf("text = %q", got)
	}
	if err := conn.close(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}

	reqs := completer.seen()
	if len(reqs) != 1 || reqs[0].System != "You are terse." {
		t.Fatalf("requests = %+v", reqs)
	}
	if last := reqs[0].Messages[len(reqs[0].Messages)-1]; last.Role != llm.RoleUser || last.Content != "What time is it?" {
		t.Fatalf("last message = %+v", last)
	}

	rec, turns := te.journaled(t)
	if rec.SessionKey != "tok_abc" || rec.Call.CallSID != "CA123" {
		t.Fatalf("journal session = %+v", rec)
	}
	if rec.TurnPairs != 1 {
		t.Fatalf("TurnPairs = %d, want 1", rec.TurnPairs)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Number != 1 || turns[0].Role != journal.RoleUser || turns[0].Content != "What time is it?" {
		t.Fatalf("turns[0] = %+v", turns[0])
	}
	if turns[1].Number != 2 || turns[1].Role != journal.RoleAssistant || turns[1].Content != "I don't have real-time access." {
		t.Fatalf("turns[1] = %+v", turns[1])
	}
	if creds := te.credentials(); len(creds) != 1 || creds[0] != "sk-student" {
		t.Fatalf("credentials = %v, want [sk-student]", creds)
	}
}

func TestTurnsNeverInterleave(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
	)
	completer := &recordingCompleter{reply: func(n int, req llm.Request) (llm.Completion, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return llm.Completion{Content: "answer " + req.Messages[len(req.Messages)-1].Content}, nil
	}}
	te := newTestEngine(t, Config{}, completer)

	conn := te.connect(t, "")
	conn.setup()
	prompts := []string{"one", "two", "three"}
	for _, p := range prompts {
		conn.prompt(p)
	}
	for _, p := range prompts {
		if got := conn.text(); got != "answer "+p {
			t.Fatalf("text = %q, want %q", got, "answer "+p)
		}
	}
	if err := conn.close(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if overlap {
		t.Fatalf("two completions ran concurrently for one session")
	}

	rec, turns := te.journaled(t)
	if len(turns) != 6 {
		t.Fatalf("len(turns) = %d, want 6", len(turns))
	}
	for i, turn := range turns {
		if turn.Number != i+1 {
			t.Fatalf("turns[%d].Number = %d, want %d", i, turn.Number, i+1)
		}
		wantRole := journal.RoleUser
		if i%2 == 1 {
			wantRole = journal.RoleAssistant
		}
		if turn.Role != wantRole {
			t.Fatalf("turns[%d].Role = %q, want %q", i, turn.Role, wantRole)
		}
	}
	if rec.TurnPairs != 3 {
		t.Fatalf("TurnPairs = %d, want 3", rec.TurnPairs)
	}

	// Each request carries the full history of earlier exchanges.
	reqs := completer.seen()
	if got := len(reqs[2].Messages); got != 5 {
		t.Fatalf("third request has %d messages, want 5", got)
	}
}

func TestGreetingSeedsModelHistoryOnly(t *testing.T) {
	completer := &recordingCompleter{reply: func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: "ok"}, nil
	}}
	te := newTestEngine(t, Config{DefaultProfile: profile.Profile{Greeting: "Hi, I'm the workshop bot."}}, completer)

	conn := te.connect(t, "")
	conn.setup()
	conn.prompt("hello")
	conn.text()
	_ = conn.close()

	msgs := completer.seen()[0].Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleAssistant || msgs[0].Content != "Hi, I'm the workshop bot." {
		t.Fatalf("messages = %+v", msgs)
	}
	_, turns := te.journaled(t)
	if len(turns) != 2 || turns[0].Role != journal.RoleUser {
		t.Fatalf("turns = %+v, greeting must not be a transcript turn", turns)
	}
}

func TestCredentialFallback(t *testing.T) {
	withKey := profile.Profile{SessionKey: "tok_own", SystemPrompt: "own", Credential: "sk-own"}
	withoutKey := profile.Profile{SessionKey: "tok_shared", SystemPrompt: "shared"}

	cases := []struct {
		name string
		key  string
		want string
	}{
		{name: "profile credential", key: "tok_own", want: "sk-own"},
		{name: "profile without credential", key: "tok_shared", want: "sk-default"},
		{name: "unknown key", key: "tok_missing", want: "sk-default"},
		{name: "empty key", key: "", want: "sk-default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEngine(t, Config{}, staticReply("ok"), withKey, withoutKey)
			conn := te.connect(t, tc.key)
			conn.setup()
			conn.prompt("hi")
			conn.text()
			_ = conn.close()
			if creds := te.credentials(); len(creds) != 1 || creds[0] != tc.want {
				t.Fatalf("credentials = %v, want [%s]", creds, tc.want)
			}
		})
	}
}

type failingProfiles struct{}

func (failingProfiles) Lookup(context.Context, string) (profile.Profile, error) {
	return profile.Profile{}, errors.New("profile db unreachable")
}

func (failingProfiles) Close() error { return nil }

func TestProfileLookupFailureUsesDefault(t *testing.T) {
	completer := &recordingCompleter{reply: func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: "ok"}, nil
	}}
	var got string
	factory := func(credential string) (llm.Completer, error) {
		got = credential
		return completer, nil
	}
	e := NewEngine(Config{
		DefaultCredential: "sk-default",
		DefaultProfile:    profile.Profile{SystemPrompt: "default prompt"},
	}, failingProfiles{}, factory, nil, nil, nil, nil)

	inbound := make(chan any, 4)
	outbound := make(chan any, 4)
	done := make(chan error, 1)
	go func() { done <- e.RunConnection(context.Background(), "tok_abc", inbound, outbound) }()
	inbound <- protocol.Setup{Type: protocol.TypeSetup}
	inbound <- protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "hi"}
	select {
	case <-outbound:
	case <-time.After(2 * time.Second):
		t.Fatalf("no response")
	}
	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if got != "sk-default" {
		t.Fatalf("credential = %q, want sk-default", got)
	}
	if reqs := completer.seen(); reqs[0].System != "default prompt" {
		t.Fatalf("system = %q, want default prompt", reqs[0].System)
	}
}

func TestMissingCredentialClosesSession(t *testing.T) {
	called := false
	factory := func(string) (llm.Completer, error) {
		called = true
		return staticReply("x"), nil
	}
	sessions := session.NewManager(time.Minute)
	e := NewEngine(Config{}, profile.NewMemoryStore(), factory, nil, sessions, nil, nil)

	inbound := make(chan any)
	outbound := make(chan any, 1)
	err := e.RunConnection(context.Background(), "tok_nobody", inbound, outbound)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("RunConnection() error = %v, want ErrNoCredential", err)
	}
	msg, ok := (<-outbound).(protocol.Error)
	if !ok || msg.Type != protocol.TypeError || msg.Error == "" {
		t.Fatalf("outbound = %#v, want error event", msg)
	}
	if called {
		t.Fatalf("completer factory called without a credential")
	}
	if sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", sessions.ActiveCount())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	echoSystem := completerFunc(func(_ context.Context, req llm.Request) (llm.Completion, error) {
		time.Sleep(5 * time.Millisecond)
		return llm.Completion{Content: req.System + "|" + req.Messages[len(req.Messages)-1].Content}, nil
	})
	te := newTestEngine(t, Config{}, echoSystem,
		profile.Profile{SessionKey: "tok_a", SystemPrompt: "A"},
		profile.Profile{SessionKey: "tok_b", SystemPrompt: "B"},
	)

	// Both connections run concurrently; prompts are interleaved across them.
	systems := map[string]string{"tok_a": "A", "tok_b": "B"}
	conns := map[string]*testConn{}
	for key := range systems {
		conns[key] = te.connect(t, key)
		conns[key].setup()
	}
	for _, p := range []string{"x", "y"} {
		for key := range systems {
			conns[key].prompt(p)
		}
	}
	for key, system := range systems {
		for _, p := range []string{"x", "y"} {
			if got := conns[key].text(); got != system+"|"+p {
				t.Fatalf("%s text = %q, want %q", key, got, system+"|"+p)
			}
		}
		_ = conns[key].close()
	}

	for range 2 {
		rec, turns := te.journaled(t)
		if len(turns) != 4 || rec.TurnPairs != 2 {
			t.Fatalf("%s journal = %d turns, %d pairs", rec.SessionKey, len(turns), rec.TurnPairs)
		}
		for i, turn := range turns {
			if turn.Number != i+1 {
				t.Fatalf("%s turns[%d].Number = %d", rec.SessionKey, i, turn.Number)
			}
		}
	}
}

func TestModelFailureApologizes(t *testing.T) {
	for _, inHistory := range []bool{false, true} {
		name := "transcript_excludes_apology"
		if inHistory {
			name = "transcript_includes_apology"
		}
		t.Run(name, func(t *testing.T) {
			completer := &recordingCompleter{reply: func(n int, _ llm.Request) (llm.Completion, error) {
				if n == 0 {
					return llm.Completion{}, &llm.StatusError{Provider: "openai", StatusCode: 500, Body: "boom"}
				}
				return llm.Completion{Content: "recovered"}, nil
			}}
			te := newTestEngine(t, Config{ApologyInHistory: inHistory}, completer)

			conn := te.connect(t, "")
			conn.setup()
			conn.prompt("first")
			if got := conn.text(); got != Apology {
				t.Fatalf("text = %q, want apology", got)
			}
			conn.prompt("second")
			if got := conn.text(); got != "recovered" {
				t.Fatalf("text = %q, want recovered", got)
			}
			_ = conn.close()

			secondReq := completer.seen()[1].Messages
			hasApology := false
			for _, m := range secondReq {
				if m.Content == Apology {
					hasApology = true
				}
			}
			if hasApology != inHistory {
				t.Fatalf("apology in model history = %v, want %v", hasApology, inHistory)
			}

			rec, turns := te.journaled(t)
			if inHistory {
				if len(turns) != 4 || turns[1].Content != Apology || turns[1].Metadata["fallback"] != true {
					t.Fatalf("turns = %+v", turns)
				}
				if rec.TurnPairs != 2 {
					t.Fatalf("TurnPairs = %d, want 2", rec.TurnPairs)
				}
				return
			}
			if len(turns) != 3 {
				t.Fatalf("len(turns) = %d, want 3", len(turns))
			}
			if turns[0].Role != journal.RoleUser || turns[1].Role != journal.RoleUser || turns[2].Content != "recovered" {
				t.Fatalf("turns = %+v", turns)
			}
			if rec.TurnPairs != 1 {
				t.Fatalf("TurnPairs = %d, want 1", rec.TurnPairs)
			}
		})
	}
}

func TestModelTimeoutApologizes(t *testing.T) {
	slow := completerFunc(func(ctx context.Context, _ llm.Request) (llm.Completion, error) {
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	})
	te := newTestEngine(t, Config{ModelTimeout: 30 * time.Millisecond}, slow)
	conn := te.connect(t, "")
	conn.setup()
	conn.prompt("hello?")
	if got := conn.text(); got != Apology {
		t.Fatalf("text = %q, want apology", got)
	}
	_ = conn.close()
}

func TestIgnoredEventsLeaveTranscriptUntouched(t *testing.T) {
	completer := &recordingCompleter{reply: func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: "ok"}, nil
	}}
	te := newTestEngine(t, Config{}, completer)

	conn := te.connect(t, "")
	conn.prompt("before setup")
	conn.setup()
	conn.setup()
	conn.inbound <- protocol.DTMF{Type: protocol.TypeDTMF, Digit: "5"}
	conn.inbound <- protocol.Interrupt{Type: protocol.TypeInterrupt, UtteranceUntilInterrupt: "I was saying"}
	conn.inbound <- []byte(`{"type":"mystery"}`)
	conn.expectSilence(50 * time.Millisecond)

	list := te.sessions.List()
	if len(list) != 1 {
		t.Fatalf("sessions = %d, want 1", len(list))
	}
	snap := list[0]
	if snap.Digits != "5" || snap.InterruptionCount != 1 || snap.LastInterruption != "I was saying" {
		t.Fatalf("registry = %+v", snap)
	}
	if snap.State != session.StateReady {
		t.Fatalf("State = %q, want ready", snap.State)
	}

	_ = conn.close()
	if len(completer.seen()) != 0 {
		t.Fatalf("model was called for ignored events")
	}
	rec, turns := te.journaled(t)
	if len(turns) != 0 || rec.TurnPairs != 0 {
		t.Fatalf("journal = %d turns, %d pairs, want none", len(turns), rec.TurnPairs)
	}
}

func TestInterruptDoesNotCancelCompletion(t *testing.T) {
	release := make(chan struct{})
	completer := completerFunc(func(ctx context.Context, _ llm.Request) (llm.Completion, error) {
		select {
		case <-release:
			return llm.Completion{Content: "finished anyway"}, nil
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	})
	te := newTestEngine(t, Config{}, completer)

	conn := te.connect(t, "")
	conn.setup()
	conn.prompt("tell me a long story")
	conn.inbound <- protocol.Interrupt{Type: protocol.TypeInterrupt, UtteranceUntilInterrupt: "once upon"}
	time.Sleep(20 * time.Millisecond)
	close(release)

	if got := conn.text(); got != "finished anyway" {
		t.Fatalf("text = %q", got)
	}
	_ = conn.close()
}

func TestCloseDuringCompletionReturnsPromptly(t *testing.T) {
	completer := completerFunc(func(ctx context.Context, _ llm.Request) (llm.Completion, error) {
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	})
	te := newTestEngine(t, Config{ModelTimeout: time.Minute}, completer)

	conn := te.connect(t, "")
	conn.setup()
	conn.prompt("hang")
	time.Sleep(30 * time.Millisecond)
	if err := conn.close(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	rec, turns := te.journaled(t)
	if len(turns) != 1 || rec.TurnPairs != 0 {
		t.Fatalf("journal = %d turns, %d pairs, want 1 user turn and 0 pairs", len(turns), rec.TurnPairs)
	}
}

func TestPartialPromptsAreNotTurns(t *testing.T) {
	completer := &recordingCompleter{reply: func(int, llm.Request) (llm.Completion, error) {
		return llm.Completion{Content: "It is noon."}, nil
	}}
	te := newTestEngine(t, Config{}, completer)

	conn := te.connect(t, "")
	conn.setup()
	partial, final := false, true
	conn.inbound <- protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "What ti", Last: &partial}
	conn.inbound <- protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "What time is it?", Last: &final}

	if got := conn.text(); got != "It is noon." {
		t.Fatalf("text = %q", got)
	}
	conn.expectSilence(50 * time.Millisecond)
	_ = conn.close()

	if reqs := completer.seen(); len(reqs) != 1 {
		t.Fatalf("model calls = %d, want 1", len(reqs))
	}
	rec, turns := te.journaled(t)
	if len(turns) != 2 || rec.TurnPairs != 1 {
		t.Fatalf("journal = %d turns, %d pairs, want 2 and 1", len(turns), rec.TurnPairs)
	}
	if turns[0].Role != journal.RoleUser || turns[0].Content != "What time is it?" {
		t.Fatalf("turns[0] = %+v, want the final prompt only", turns[0])
	}
}
