package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/controlplane"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal view of daemon activity",
	Long:  "Streams the control plane dashboard's event feed into a scrolling terminal view.",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.ControlPlane.DashboardPort == 0 {
		return fmt.Errorf("dashboard is disabled (controlplane.dashboard_port is 0); enable it and restart the daemon")
	}

	addr := "http://127.0.0.1:" + strconv.Itoa(cfg.ControlPlane.DashboardPort)
	m := newWatchModel(addr, cfg.ControlPlane.DashboardToken)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type watchEventMsg controlplane.Event
type watchErrMsg struct{ err error }

// watchModel is the root bubbletea model for `ralphctl watch`: it renders
// a scrolling log of events streamed from the dashboard's /events endpoint.
type watchModel struct {
	addr   string
	token  string
	events []controlplane.Event
	width  int
	height int
	err    error
	stream chan controlplane.Event
	errs   chan error
}

func newWatchModel(addr, token string) *watchModel {
	return &watchModel{
		addr:   addr,
		token:  token,
		stream: make(chan controlplane.Event, 64),
		errs:   make(chan error, 1),
	}
}

func (m *watchModel) Init() tea.Cmd {
	go m.streamEvents()
	return m.waitForEvent
}

func (m *watchModel) streamEvents() {
	req, err := http.NewRequest(http.MethodGet, m.addr+"/events", nil)
	if err != nil {
		m.errs <- err
		return
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		m.errs <- err
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt controlplane.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		m.stream <- evt
	}
}

func (m *watchModel) waitForEvent() tea.Msg {
	select {
	case evt := <-m.stream:
		return watchEventMsg(evt)
	case err := <-m.errs:
		return watchErrMsg{err}
	}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "esc" {
			return m, tea.Quit
		}
		return m, nil
	case watchEventMsg:
		m.events = append(m.events, controlplane.Event(msg))
		maxLines := m.height - 4
		if maxLines > 0 && len(m.events) > maxLines {
			m.events = m.events[len(m.events)-maxLines:]
		}
		return m, m.waitForEvent
	case watchErrMsg:
		m.err = msg.err
		return m, m.waitForEvent
	}
	return m, nil
}

var watchEventStyle = lipgloss.NewStyle().Foreground(slate)

func (m *watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ralph watch") + dimStyle.Render("  (q to quit)") + "\n\n")
	if m.err != nil {
		b.WriteString(failStyle.Render("stream error: "+m.err.Error()) + "\n")
	}
	for _, evt := range m.events {
		b.WriteString(fmt.Sprintf("%s  %-18s %s/%s#%d  %s\n",
			dimStyle.Render(evt.At.Format(time.TimeOnly)),
			watchEventStyle.Render(string(evt.Kind)),
			evt.RepoOwner, evt.RepoName, evt.Issue, evt.Message))
	}
	return b.String()
}
