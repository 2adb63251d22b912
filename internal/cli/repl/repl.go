package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"ojforge/internal/cli/command"
	httpclient "ojforge/internal/cli/http"
	"ojforge/internal/cli/state"
	"ojforge/internal/model"
	pkgerrors "ojforge/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"
)

const (
	prompt              = "ojforge> "
	defaultWatchTimeout = 15 * time.Minute
	wsHandshakeTimeout  = 10 * time.Second
)

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	tokenState *state.TokenState
	statePath  string
	prettyJSON bool
	rl         *readline.Instance
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState,
	statePath, historyPath string, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyPath,
		AutoComplete:    buildCompleter(commands),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline failed: %w", err)
	}
	return &Session{
		client:     client,
		commands:   commands,
		tokenState: tokenState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		rl:         rl,
	}, nil
}

// buildCompleter derives tab completion from the command registry, so new
// commands show up without touching this file.
func buildCompleter(commands map[string]command.Command) *readline.PrefixCompleter {
	byService := map[string][]string{}
	for key := range commands {
		parts := strings.SplitN(key, " ", 2)
		if len(parts) == 2 {
			byService[parts[0]] = append(byService[parts[0]], parts[1])
		}
	}
	byService["task"] = append(byService["task"], "watch")

	services := make([]string, 0, len(byService))
	for service := range byService {
		services = append(services, service)
	}
	sort.Strings(services)

	items := make([]readline.PrefixCompleterInterface, 0, len(services)+4)
	for _, service := range services {
		actions := byService[service]
		sort.Strings(actions)
		children := make([]readline.PrefixCompleterInterface, 0, len(actions))
		for _, action := range actions {
			children = append(children, readline.PcItem(action))
		}
		items = append(items, readline.PcItem(service, children...))
	}
	items = append(items,
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("set",
			readline.PcItem("base"),
			readline.PcItem("timeout"),
			readline.PcItem("token"),
		),
		readline.PcItem("show",
			readline.PcItem("token"),
			readline.PcItem("config"),
		),
	)
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) Run(ctx context.Context) {
	defer func() { _ = s.rl.Close() }()
	for {
		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			s.printLine("bye")
			return
		}
		if err != nil {
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if done := s.handleSystemCommand(line); done {
			continue
		}
		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		// Close first so readline restores the terminal state.
		_ = s.rl.Close()
		os.Exit(0)
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|token")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 30s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		s.tokenState.Token = parts[1]
		s.tokenState.SavedAt = time.Now()
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		if !s.tokenState.LoggedIn() {
			s.printLine("token: <empty>")
			return
		}
		if s.tokenState.Username != "" {
			s.printLine("token: %s (%s, %s)", s.tokenState.Masked(), s.tokenState.Username, s.tokenState.Role)
			return
		}
		s.printLine("token: %s", s.tokenState.Masked())
	case "config":
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		s.printLine("usage: show token|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	if service == "task" && action == "watch" {
		return s.watchTask(ctx, params)
	}

	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	if cmd.RequiresAuth && s.tokenState.Token == "" {
		return fmt.Errorf("not logged in, run: auth login")
	}

	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	s.updateTokenFromResponse(cmd, resp.Body)
	return nil
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Has(field.Name) && params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(field command.Field) (string, error) {
	if field.Name == "password" || field.Name == "api_key" {
		value, err := s.rl.ReadPassword(field.Prompt + ": ")
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(string(value)), nil
	}
	s.rl.SetPrompt(field.Prompt + ": ")
	defer s.rl.SetPrompt(prompt)
	line, err := s.rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// watchFrame mirrors the server's WebSocket frame shape.
type watchFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      struct {
		TaskID      string `json:"task_id"`
		ProblemID   string `json:"problem_id"`
		Stage       string `json:"stage"`
		Status      string `json:"status"`
		ProgressPct int    `json:"progress_pct"`
	} `json:"data"`
}

// watchTask streams progress events over the WebSocket endpoint. With an
// id filter it returns once that task reaches a terminal event; without
// one it prints everything until the timeout.
func (s *Session) watchTask(ctx context.Context, params command.Params) error {
	if s.tokenState.Token == "" {
		return fmt.Errorf("not logged in, run: auth login")
	}
	taskID := params.Get("id")
	timeout := defaultWatchTimeout
	if v := params.Get("timeout"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = dur
	}

	wsURL := s.client.WSURL("/api/v1/ws")
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, s.client.AuthHeader())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s failed: HTTP %d", wsURL, resp.StatusCode)
		}
		return fmt.Errorf("dial %s failed: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()

	if taskID != "" {
		s.printLine("watching task %s (timeout %s)", taskID, timeout)
	} else {
		s.printLine("watching all tasks (timeout %s)", timeout)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		var f watchFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch stream ended: %w", err)
		}
		if f.Type == "welcome" {
			continue
		}
		if taskID != "" && f.Data.TaskID != taskID {
			continue
		}
		s.printFrame(f)
		if taskID != "" && (f.Type == model.EventTaskCompleted || f.Type == model.EventTaskFailed) {
			return nil
		}
	}
}

func (s *Session) printFrame(f watchFrame) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-24s task=%s", f.Timestamp.Format("15:04:05"), f.Type, f.Data.TaskID)
	if f.Data.ProblemID != "" {
		fmt.Fprintf(&b, " problem=%s", f.Data.ProblemID)
	}
	if f.Data.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", f.Data.Stage)
	}
	if f.Data.Status != "" {
		fmt.Fprintf(&b, " status=%s", f.Data.Status)
	}
	if f.Data.ProgressPct > 0 {
		fmt.Fprintf(&b, " %d%%", f.Data.ProgressPct)
	}
	s.printLine("%s", b.String())
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) updateTokenFromResponse(cmd command.Command, body []byte) {
	if cmd.Service != "auth" {
		return
	}
	type authUser struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	type authData struct {
		Token string   `json:"token"`
		User  authUser `json:"user"`
	}
	type respEnvelope struct {
		Code int      `json:"code"`
		Data authData `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != int(pkgerrors.Success) {
		return
	}
	switch cmd.Action {
	case "login", "register":
		if resp.Data.Token == "" {
			return
		}
		s.tokenState.Token = resp.Data.Token
		s.tokenState.Username = resp.Data.User.Username
		s.tokenState.Role = resp.Data.User.Role
		s.tokenState.SavedAt = time.Now()
		_ = state.Save(s.statePath, *s.tokenState)
	case "logout":
		*s.tokenState = state.TokenState{}
		_ = state.Clear(s.statePath)
	}
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config")

	keys := make([]string, 0, len(s.commands))
	for key := range s.commands {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.printLine("commands:")
	for _, key := range keys {
		cmd := s.commands[key]
		note := ""
		if cmd.AdminOnly {
			note = " (admin)"
		}
		s.printLine("  %s%s", key, note)
	}
	s.printLine("  task watch (id= timeout=)")
	s.printLine("examples:")
	s.printLine("  auth login username=demo")
	s.printLine("  task submit problems=P1000,P1001 target=shsoj stages=FGUS")
	s.printLine("  task watch id=<task_id>")
	s.printLine("  concurrency preset name=high")
	s.printLine("  provider test id=deepseek full=true")
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}
