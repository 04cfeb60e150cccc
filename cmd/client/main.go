// ChatRelay terminal client.
//
// Screens
// -------
//   stateJoin – centered username prompt
//   stateChat – full-screen chat with scrollable message viewport and the
//               current roster in the header
//
// Concurrency
// -----------
//   A single goroutine reads WebSocket frames and forwards raw bytes to the
//   frames channel. The Bubbletea event loop consumes one frame at a time via
//   waitForFrame (a tea.Cmd), queuing the next read after each frame is
//   processed.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	rosterStyle = lipgloss.NewStyle().Foreground(green)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
)

type frameMsg []byte         // a raw frame arrived from the broker
type disconnectedMsg struct{} // the broker closed the connection

type appState int

const (
	stateJoin appState = iota
	stateChat
)

type model struct {
	conn   *websocket.Conn
	frames chan []byte
	codec  protocol.Codec

	state appState
	me    string

	usernameInput textinput.Model
	statusMsg     string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	users     []string

	width, height int
}

func newModel(conn *websocket.Conn, frames chan []byte) model {
	uf := textinput.New()
	uf.Placeholder = "username"
	uf.Focus()
	uf.CharLimit = 32
	uf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500

	return model{
		conn:          conn,
		frames:        frames,
		codec:         protocol.NewCodec(0),
		state:         stateJoin,
		usernameInput: uf,
		chatInput:     ci,
	}
}

// waitForFrame bridges the reader goroutine into the tea event loop.
func waitForFrame(frames chan []byte) tea.Cmd {
	return func() tea.Msg {
		data, ok := <-frames
		if !ok {
			return disconnectedMsg{}
		}
		return frameMsg(data)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForFrame(m.frames))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case frameMsg:
		m = m.handleFrame([]byte(msg))
		return m, waitForFrame(m.frames)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.state {
		case stateJoin:
			return m.handleJoinKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) handleJoinKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		username := strings.TrimSpace(m.usernameInput.Value())
		if username == "" {
			m.statusMsg = "a username is required"
			return m, nil
		}
		if err := m.send(protocol.Join(username)); err != nil {
			m.statusMsg = fmt.Sprintf("send failed: %v", err)
			return m, tea.Quit
		}
		m.me = username
		m.state = stateChat
		m.chatInput.Focus()
		return m, textinput.Blink
	}

	var cmd tea.Cmd
	m.usernameInput, cmd = m.usernameInput.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		return m, tea.Quit

	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput.Value())
		if text != "" {
			if err := m.send(protocol.Chat("", text)); err != nil {
				m.statusMsg = "disconnected from server"
				return m, tea.Quit
			}
			m.chatInput.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

func (m model) send(env protocol.Envelope) error {
	return m.conn.WriteMessage(websocket.TextMessage, m.codec.Encode(env))
}

func (m model) handleFrame(data []byte) model {
	env, err := m.codec.Decode(data)
	if err != nil {
		return m
	}

	switch env.Kind {
	case protocol.KindRoster:
		m.users = env.Users
	case protocol.KindChat:
		name := peerStyle.Render(env.From)
		if env.From == m.me {
			name = myNameStyle.Render(env.From)
		}
		line := fmt.Sprintf("%s %s  %s",
			tsStyle.Render(time.Now().Format("15:04")), name, env.Text)
		m.chatLines = append(m.chatLines, line)
		if m.ready {
			m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
			m.viewport.GotoBottom()
		}
	}
	return m
}

func (m model) View() string {
	switch m.state {
	case stateJoin:
		return m.joinView()
	default:
		return m.chatView()
	}
}

func (m model) joinView() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("ChatRelay"))
	b.WriteString("\n\n  ")
	b.WriteString(m.usernameInput.View())
	b.WriteString("\n\n  ")
	b.WriteString(hintStyle.Render("enter to join · esc to quit"))
	if m.statusMsg != "" {
		b.WriteString("\n\n  ")
		b.WriteString(errorStyle.Render(m.statusMsg))
	}
	return b.String()
}

func (m model) chatView() string {
	if !m.ready {
		return "connecting…"
	}

	online := "nobody online"
	if len(m.users) > 0 {
		online = fmt.Sprintf("%d online: %s", len(m.users), strings.Join(m.users, ", "))
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		headerStyle.Render("ChatRelay"),
		" ",
		rosterStyle.Render(online))

	footer := footerBorderStyle.Width(m.width).Render(m.chatInput.View())

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server host:port")
	flag.Parse()

	wsURL := fmt.Sprintf("ws://%s/ws", *addr)
	headers := http.Header{}
	headers.Set("Origin", fmt.Sprintf("http://%s", *addr))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	p := tea.NewProgram(newModel(conn, frames), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}
}
