package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
)

var (
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyle = map[client.ConnectionState]lipgloss.Style{
		client.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		client.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		client.Reconnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		client.Failed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		client.Disconnected: dimStyle,
	}
)

type lineKind int

const (
	lineSelf lineKind = iota
	linePeer
	lineInfo
	lineWarn
	lineError
)

type Line struct {
	Kind lineKind
	From string
	Text string
	At   time.Time
}

// Channel is what the console needs from the channel client.
type Channel interface {
	Send(out protocol.Outgoing) (protocol.WireMessage, error)
	SendTyping(to string, isTyping bool) error
}

// EventMsg carries a client event into the bubbletea update loop.
type EventMsg struct {
	Event client.Event
}

type sentMsg struct {
	msg protocol.WireMessage
	err error
}

type Model struct {
	channel    Channel
	retry      func() error
	self       string
	peer       string
	lines      []Line
	input      string
	state      client.ConnectionState
	typing     bool
	peerTyping bool
	width      int
	height     int
	scroll     int
}

// NewModel builds the console. retry, when set, backs the /retry command
// used after the connection has failed.
func NewModel(ch Channel, retry func() error, self, peer string) Model {
	return Model{channel: ch, retry: retry, self: self, peer: peer}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if strings.TrimSpace(m.input) == "" {
				return m, nil
			}
			return m.submitInput()
		case "backspace":
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case "pgup":
			if m.scroll > 0 {
				m.scroll--
			}
		case "pgdown":
			m.scroll++
		default:
			if len(msg.String()) == 1 || msg.String() == " " {
				m.input += msg.String()
				if !m.typing && m.peer != "" && m.state == client.Connected {
					m.typing = true
					return m, m.typingCmd(true)
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case sentMsg:
		if msg.err != nil {
			m.lines = append(m.lines, Line{Kind: lineError, Text: msg.err.Error(), At: time.Now()})
		}

	case EventMsg:
		m = m.applyEvent(msg.Event)
	}

	return m, nil
}

func (m Model) applyEvent(ev client.Event) Model {
	switch e := ev.(type) {
	case client.StatusChange:
		m.state = e.To
		text := fmt.Sprintf("%s → %s", e.From, e.To)
		if e.Err != nil {
			text += ": " + e.Err.Error()
		}
		kind := lineInfo
		if e.To == client.Failed {
			kind = lineError
			text += " (type /retry to reconnect)"
		}
		m.lines = append(m.lines, Line{Kind: kind, Text: text, At: time.Now()})
	case client.ReconnectingEvent:
		m.lines = append(m.lines, Line{
			Kind: lineWarn,
			Text: fmt.Sprintf("reconnecting in %s (attempt %d)", e.Attempt.Delay, e.Attempt.Number),
			At:   time.Now(),
		})
	case client.Warning:
		m.lines = append(m.lines, Line{Kind: lineWarn, Text: e.Message, At: time.Now()})
	case client.ErrorEvent:
		m.lines = append(m.lines, Line{Kind: lineError, Text: e.Err.Error(), At: time.Now()})
	case client.MessageEvent:
		m = m.applyMessage(e.Message)
	}
	return m
}

func (m Model) applyMessage(msg protocol.WireMessage) Model {
	switch msg.Type {
	case protocol.TypeChat:
		m.peerTyping = false
		m.lines = append(m.lines, Line{Kind: linePeer, From: msg.From, Text: describeContent(msg), At: msg.Timestamp})
	case protocol.TypeTyping:
		m.peerTyping = isTyping(msg.Content)
	case protocol.TypeUserJoined, protocol.TypeUserLeft, protocol.TypeWelcome, protocol.TypeStatus:
		m.lines = append(m.lines, Line{Kind: lineInfo, Text: fmt.Sprintf("%s: %s", msg.Type, describeContent(msg)), At: msg.Timestamp})
	case protocol.TypeError:
		m.lines = append(m.lines, Line{Kind: lineError, Text: describeContent(msg), At: msg.Timestamp})
	}
	return m
}

func (m Model) submitInput() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input)
	m.input = ""

	if text == "/retry" {
		if m.retry == nil {
			return m, nil
		}
		retry := m.retry
		return m, func() tea.Msg { return sentMsg{err: retry()} }
	}
	if peer, ok := strings.CutPrefix(text, "/to "); ok {
		m.peer = strings.TrimSpace(peer)
		m.lines = append(m.lines, Line{Kind: lineInfo, Text: "talking to " + m.peer, At: time.Now()})
		return m, nil
	}
	if m.peer == "" {
		m.lines = append(m.lines, Line{Kind: lineError, Text: "no recipient, use /to ID", At: time.Now()})
		return m, nil
	}

	m.lines = append(m.lines, Line{Kind: lineSelf, From: m.self, Text: text, At: time.Now()})
	m.typing = false

	ch, to := m.channel, m.peer
	return m, func() tea.Msg {
		msg, err := ch.Send(protocol.Outgoing{To: to, Content: text})
		return sentMsg{msg: msg, err: err}
	}
}

func (m Model) typingCmd(on bool) tea.Cmd {
	ch, to := m.channel, m.peer
	return func() tea.Msg {
		// Typing indicators are best effort.
		_ = ch.SendTyping(to, on)
		return nil
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	style, ok := statusStyle[m.state]
	if !ok {
		style = dimStyle
	}
	header := dimStyle.Render("kefu console (Ctrl+C to quit)  ") + style.Render("● "+m.state.String())
	if m.peer != "" {
		header += dimStyle.Render("  to " + m.peer)
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n\n")

	for _, l := range m.visibleLines() {
		switch l.Kind {
		case lineSelf:
			b.WriteString(selfStyle.Render("You: "))
			b.WriteString(l.Text)
		case linePeer:
			b.WriteString(peerStyle.Render(l.From + ": "))
			b.WriteString(l.Text)
		case lineInfo:
			b.WriteString(dimStyle.Render("· " + l.Text))
		case lineWarn:
			b.WriteString(warnStyle.Render("! " + l.Text))
		case lineError:
			b.WriteString(errorStyle.Render("Error: "))
			b.WriteString(l.Text)
		}
		b.WriteString("\n")
	}

	if m.peerTyping {
		b.WriteString(dimStyle.Render(m.peer + " is typing..."))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(inputStyle.Render("> "+m.input) + dimStyle.Render("█"))

	return b.String()
}

func (m Model) visibleLines() []Line {
	rows := m.height - 6
	if rows <= 0 || len(m.lines) <= rows {
		return m.lines
	}
	end := len(m.lines) - m.scroll
	if end < rows {
		end = rows
	}
	if end > len(m.lines) {
		end = len(m.lines)
	}
	return m.lines[end-rows : end]
}

func describeContent(msg protocol.WireMessage) string {
	switch c := msg.Content.(type) {
	case nil:
		return ""
	case string:
		switch msg.ContentType {
		case protocol.ContentImage, protocol.ContentFile, protocol.ContentVoice:
			return fmt.Sprintf("[%s] %s", strings.ToLower(string(msg.ContentType)), c)
		}
		return c
	case map[string]any:
		for _, key := range []string{"message", "text", "user_name", "user_id"} {
			if v, ok := c[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return fmt.Sprintf("%v", msg.Content)
}

func isTyping(content any) bool {
	switch c := content.(type) {
	case bool:
		return c
	case map[string]any:
		v, _ := c["is_typing"].(bool)
		return v
	}
	return false
}

// Subscriber is the event side of the channel client.
type Subscriber interface {
	On(kind client.Kind, fn func(client.Event)) client.Subscription
	Off(sub client.Subscription)
}

// Run drives the console until the user quits. Client events are forwarded
// into the program as EventMsg. connect is called once the subscriptions are
// in place and again for /retry.
func Run(ch Channel, events Subscriber, connect func() error, self, peer string) error {
	p := tea.NewProgram(NewModel(ch, connect, self, peer), tea.WithAltScreen())

	var subs []client.Subscription
	for _, kind := range []client.Kind{
		client.KindStatusChange,
		client.KindReconnecting,
		client.KindWarning,
		client.KindError,
		client.KindMessage,
	} {
		subs = append(subs, events.On(kind, func(ev client.Event) { p.Send(EventMsg{Event: ev}) }))
	}
	defer func() {
		for _, s := range subs {
			events.Off(s)
		}
	}()

	if connect != nil {
		if err := connect(); err != nil {
			return err
		}
	}
	_, err := p.Run()
	return err
}
