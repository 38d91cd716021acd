package wish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/castwire/castwire/internal/chatbuffer"
	"github.com/castwire/castwire/internal/generation"
	"github.com/castwire/castwire/internal/registry"
	"github.com/castwire/castwire/pkg/provider/llm"
)

// Timing parameters for the followup and chat-vote waiters. The session is
// global (single-occupancy across the whole instance), not per character,
// but it still needs a character's voice to speak through. Declared as
// vars, not consts, so tests can shrink them.
var (
	defaultFollowupTimeout = 60 * time.Second
	followupDebounce       = 4 * time.Second
	chatVoteWindow         = 15 * time.Second
	chatVoteGrace          = 5 * time.Second
)

const maxChatVoteMessages = 20

// ConfigureTimings overrides the followup and chat-vote timing parameters
// from configuration. A zero duration leaves the corresponding parameter
// unchanged. Call once at startup, before any session starts.
func ConfigureTimings(followupTimeout, debounce, voteWindow, voteGrace time.Duration) {
	if followupTimeout > 0 {
		defaultFollowupTimeout = followupTimeout
	}
	if debounce > 0 {
		followupDebounce = debounce
	}
	if voteWindow > 0 {
		chatVoteWindow = voteWindow
	}
	if voteGrace > 0 {
		chatVoteGrace = voteGrace
	}
}

var errSessionActive = errors.New("wish: a session is already active")
var errNoActiveSession = errors.New("wish: no active session")

// jsonObjectPattern is the tolerant fallback used to pull a JSON object out
// of a response that didn't come back as bare JSON (e.g. wrapped in prose
// or a markdown fence).
var jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

// structuredReply is the {speech, action} contract the model is asked to
// return for every turn of a wish session.
type structuredReply struct {
	Speech string `json:"speech"`
	Action string `json:"action"`
}

// Config configures a Manager.
type Config struct {
	// Character is the voice used to speak the elf's side of the
	// conversation through the Generation Coordinator.
	Character string

	// SystemPrompt is prepended as the model's system prompt on every
	// turn; it should instruct the model to reply with a {"speech",
	// "action"} JSON object and describe what each action value means.
	SystemPrompt string

	// MaxFollowups caps how many times a session may ask a followup
	// question. An "ask_followup" action requested once this cap is
	// reached is coerced to "await_chat" instead. Zero means no
	// followups are permitted at all.
	MaxFollowups int

	Logger *slog.Logger
}

// session is the live state of the one wish session that may be active at
// a time.
type session struct {
	id       string
	redeemer Redeemer
	wishText string
	turns    []Turn
	followup int
	started  time.Time

	state State

	// chatMailbox receives inbound Twitch-chat messages routed to this
	// session by HandleChatMessage while waiting on a followup.
	chatMailbox chan chatbuffer.Message

	cancel context.CancelFunc
}

// Manager drives the Wish-Session state machine. At most one session is
// active at a time; Start rejects a redemption while one is already
// running.
type Manager struct {
	cfg    Config
	coord  *generation.Coordinator
	llm    llm.Provider
	reg    *registry.Registry
	chat   *chatbuffer.Buffer
	arch   Archive
	speak  func(text string) generation.Generation
	logger *slog.Logger

	mu      sync.Mutex
	active  bool
	current *session

	speechMu sync.Mutex
}

// New constructs a Manager. speaker builds the Generation used to voice a
// line of text through coord; the caller owns wiring it to a concrete TTS
// streamer.
func New(cfg Config, coord *generation.Coordinator, provider llm.Provider, reg *registry.Registry, chat *chatbuffer.Buffer, arch Archive, speaker func(text string) generation.Generation) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if arch == nil {
		arch = NewMemArchive()
	}
	return &Manager{
		cfg:    cfg,
		coord:  coord,
		llm:    provider,
		reg:    reg,
		chat:   chat,
		arch:   arch,
		speak:  speaker,
		logger: logger,
	}
}

// IsActive reports whether a wish session currently occupies the manager.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns a snapshot of the currently active session, or the zero
// Status (Active: false) if none is running.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.current == nil {
		return Status{}
	}
	s := m.current
	return Status{
		Active:              true,
		SessionID:           s.id,
		RedeemerDisplayName: s.redeemer.DisplayName,
		WishText:            s.wishText,
		State:               string(s.state),
		FollowupCount:       s.followup,
	}
}

// Start begins a new wish session for a channel-point redemption. It
// returns errSessionActive if a session is already running.
func (m *Manager) Start(ctx context.Context, redeemer Redeemer, wishText string) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return errSessionActive
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          fmt.Sprintf("%s-%d", redeemer.ID, time.Now().UnixNano()),
		redeemer:    redeemer,
		wishText:    wishText,
		started:     time.Now(),
		state:       StateProcessing,
		chatMailbox: make(chan chatbuffer.Message, 32),
		cancel:      cancel,
	}
	m.active = true
	m.current = s
	m.mu.Unlock()

	opening := wishText
	if prior := m.returningVisitorBlock(ctx, redeemer.ID); prior != "" {
		opening = prior + "\n\n" + wishText
	}
	s.turns = append(s.turns, Turn{Role: "user", Content: opening})

	m.broadcastStatus(sessCtx, s)
	go m.processTurn(sessCtx, s)
	return nil
}

// returningVisitorBlock renders up to 3 prior terminal sessions for this
// redeemer as a block prepended to the opening turn, or "" if there is no
// history or the archive lookup fails.
func (m *Manager) returningVisitorBlock(ctx context.Context, redeemerID string) string {
	prior, err := m.arch.RecentByRedeemer(ctx, redeemerID, 3)
	if err != nil || len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[This viewer has made wishes before:]\n")
	for _, rec := range prior {
		fmt.Fprintf(&b, "- %q -> %s\n", rec.WishText, rec.Outcome)
	}
	return b.String()
}

// HandleChatMessage queues an inbound Twitch-chat message on the active
// session's mailbox, which only the followup waiter reads; the chat vote
// reads the shared chat buffer instead. It is a no-op when no session is
// active, and the message is dropped when the mailbox is full.
func (m *Manager) HandleChatMessage(msg chatbuffer.Message) {
	m.mu.Lock()
	s := m.current
	active := m.active
	m.mu.Unlock()
	if !active || s == nil {
		return
	}
	select {
	case s.chatMailbox <- msg:
	default:
	}
}

// ForceVerdict lets the dashboard short-circuit the active session with an
// immediate grant or deny, bypassing the model.
func (m *Manager) ForceVerdict(ctx context.Context, grant bool) error {
	m.mu.Lock()
	s := m.current
	active := m.active
	m.mu.Unlock()
	if !active || s == nil {
		return errNoActiveSession
	}

	verdict := "DENY"
	if grant {
		verdict = "GRANT"
	}
	s.turns = append(s.turns, Turn{Role: "user", Content: fmt.Sprintf("[DASHBOARD OVERRIDE] Force verdict: %s", verdict)})

	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel()
	s.cancel = cancel
	go m.processTurn(sessCtx, s)
	return nil
}

// Cancel aborts the active session, if any, recording OutcomeCancelled.
func (m *Manager) Cancel(ctx context.Context) {
	m.mu.Lock()
	s := m.current
	active := m.active
	m.mu.Unlock()
	if !active || s == nil {
		return
	}
	s.cancel()
	m.finish(ctx, s, OutcomeCancelled)
}

// processTurn is the _process_turn equivalent: it calls the model for the
// next assistant turn, speaks it, and dispatches on the returned action.
// Any failure here ends the session with a spoken apology and
// OutcomeError.
func (m *Manager) processTurn(ctx context.Context, s *session) {
	reply, err := m.callModel(ctx, s)
	if err != nil {
		m.logger.Error("wish: model call failed", "session", s.id, "error", err)
		m.speakSync(ctx, "Sorry, my scroll got smudged and I lost my train of thought. Let's try that again later.")
		m.finish(ctx, s, OutcomeError)
		return
	}

	s.turns = append(s.turns, Turn{Role: "assistant", Content: reply.Speech, ParsedSpeech: reply.Speech, ParsedAction: reply.Action})
	m.speakSync(ctx, reply.Speech)

	action := reply.Action
	if action == "ask_followup" && s.followup >= m.cfg.MaxFollowups {
		action = "await_chat"
	}

	switch action {
	case "ask_followup":
		s.state = StateAskFollowup
		m.broadcastStatus(ctx, s)
		m.waitForFollowup(ctx, s)
	case "grant":
		m.finish(ctx, s, OutcomeGrant)
	case "deny":
		m.finish(ctx, s, OutcomeDeny)
	case "await_chat":
		fallthrough
	default:
		s.state = StateAwaitChat
		m.broadcastStatus(ctx, s)
		m.runChatVote(ctx, s)
	}
}

// callModel sends the session's turn history to the model and tolerantly
// parses a {speech, action} object out of the response.
func (m *Manager) callModel(ctx context.Context, s *session) (structuredReply, error) {
	req := llm.CompletionRequest{
		SystemPrompt: m.cfg.SystemPrompt,
		Messages:     toLLMMessages(s.turns),
		Temperature:  0.8,
	}
	resp, err := m.llm.Complete(ctx, req)
	if err != nil {
		return structuredReply{}, err
	}
	return parseStructuredReply(resp.Content)
}

func toLLMMessages(turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// parseStructuredReply decodes content as a {speech, action} JSON object,
// falling back to extracting the first brace-delimited object found
// anywhere in content if a direct decode fails.
func parseStructuredReply(content string) (structuredReply, error) {
	var reply structuredReply
	if err := json.Unmarshal([]byte(content), &reply); err == nil && reply.Speech != "" {
		return reply, nil
	}

	if match := jsonObjectPattern.FindString(content); match != "" {
		if err := json.Unmarshal([]byte(match), &reply); err == nil && reply.Speech != "" {
			return reply, nil
		}
	}

	return structuredReply{}, fmt.Errorf("wish: could not parse a {speech, action} object from model reply: %q", content)
}

// speakSync voices text through the Generation Coordinator and blocks for a
// heuristic hold duration proportional to its length, so the next turn
// does not start talking over it.
func (m *Manager) speakSync(ctx context.Context, text string) {
	m.speechMu.Lock()
	defer m.speechMu.Unlock()

	if m.speak != nil && m.coord != nil {
		gen := m.speak(text)
		if err := m.coord.Speak(ctx, m.cfg.Character, gen); err != nil {
			m.logger.Warn("wish: speak failed", "error", err)
		}
	}

	hold := time.Duration((float64(len(text))*0.1 + 1.0) * float64(time.Second))
	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}
}

// waitForFollowup collects the viewer's next chat message(s) for the
// currently-asked followup question: the first message arms a debounce
// window so a burst of short messages joins into one reply; no message
// within defaultFollowupTimeout ends the session with OutcomeTimeout.
func (m *Manager) waitForFollowup(ctx context.Context, s *session) {
	s.followup++

	var parts []string
	timeout := time.NewTimer(defaultFollowupTimeout)
	defer timeout.Stop()

	var debounce *time.Timer
	for {
		var debounceCh <-chan time.Time
		if debounce != nil {
			debounceCh = debounce.C
		}
		select {
		case msg := <-s.chatMailbox:
			if msg.UserID != s.redeemer.ID {
				continue
			}
			parts = append(parts, msg.Text)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(followupDebounce)
			timeout.Stop()
		case <-debounceCh:
			answer := strings.Join(parts, " ")
			s.turns = append(s.turns, Turn{Role: "user", Content: answer})
			sessCtx, cancel := context.WithCancel(context.Background())
			s.cancel()
			s.cancel = cancel
			m.processTurn(sessCtx, s)
			return
		case <-timeout.C:
			m.finish(ctx, s, OutcomeTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// runChatVote gives the channel's chat a window to weigh in, then feeds a
// formatted snapshot of that window back to the model as the next user
// turn.
func (m *Manager) runChatVote(ctx context.Context, s *session) {
	select {
	case <-time.After(chatVoteWindow):
	case <-ctx.Done():
		return
	}
	select {
	case <-time.After(chatVoteGrace):
	case <-ctx.Done():
		return
	}

	var window string
	if m.chat != nil {
		recent := m.chat.GetRecent(int((chatVoteWindow + chatVoteGrace).Seconds()))
		window = chatbuffer.FormatMessages(recent, maxChatVoteMessages)
	}
	if window == "" {
		window = "[chat was silent]"
	}

	s.turns = append(s.turns, Turn{Role: "user", Content: "[Chat's reaction during the vote window]:\n" + window})

	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel()
	s.cancel = cancel
	m.processTurn(sessCtx, s)
}

// finish ends the active session, archives it, and broadcasts the final
// (inactive) dashboard status. It deliberately ignores the caller's ctx
// for the archive write and final broadcast: a session's own context may
// already be cancelled (e.g. on timeout) by the time finish runs, but the
// cleanup itself should still complete.
func (m *Manager) finish(_ context.Context, s *session, outcome Outcome) {
	ctx := context.Background()

	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.current = nil
	m.mu.Unlock()

	s.state = StateComplete
	rec := Record{
		SessionID:     s.id,
		Redeemer:      s.redeemer,
		WishText:      s.wishText,
		Conversation:  s.turns,
		Outcome:       outcome,
		FollowupCount: s.followup,
		StartedAt:     s.started,
		EndedAt:       time.Now(),
	}
	if err := m.arch.RecordTerminal(ctx, rec); err != nil {
		m.logger.Error("wish: failed to archive terminal session", "session", s.id, "error", err)
	}

	m.broadcastStatus(ctx, s)
}

// broadcastStatus fans out the session's current snapshot to every
// wish-dashboard subscriber.
func (m *Manager) broadcastStatus(ctx context.Context, s *session) {
	if m.reg == nil {
		return
	}
	status := Status{
		Active:              s.state != StateComplete,
		SessionID:           s.id,
		RedeemerDisplayName: s.redeemer.DisplayName,
		WishText:            s.wishText,
		State:               string(s.state),
		FollowupCount:       s.followup,
	}
	m.reg.BroadcastWishDashboard(ctx, newStatusFrame(status))
}
