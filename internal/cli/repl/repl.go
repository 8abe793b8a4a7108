// Package repl implements the interactive operator console for the
// workload command API. Lines are tokenized with shlex, so quoted values
// ("reason=\"plan upgrade\"") survive intact.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"warden/internal/cli/command"
	httpclient "warden/internal/cli/http"
	"warden/internal/cli/state"
	pkgerrors "warden/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const promptDefault = "warden> "

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	tokenState   *state.TokenState
	statePath    string
	prettyJSON   bool
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, statePath string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		tokenState:   tokenState,
		statePath:    statePath,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
	}
}

func (s *Session) Run(ctx context.Context) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptDefault,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		s.printLine("init readline failed: %v", err)
		return
	}
	defer func() { _ = rl.Close() }()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				s.printLine("bye")
				return
			}
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
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, rl, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) completer() *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{
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
		readline.PcItem("clear", readline.PcItem("token")),
	}
	for name := range s.commands {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
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
	if line == "clear token" {
		s.tokenState.Token = ""
		s.tokenState.UpdatedAt = time.Time{}
		if err := state.Clear(s.statePath); err != nil {
			s.printLine("clear token failed: %v", err)
			return true
		}
		s.printLine("token cleared")
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8090")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
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
			s.printLine("usage: set token <bearer_token>")
			return
		}
		s.tokenState.Token = parts[1]
		s.tokenState.UpdatedAt = time.Now()
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
		if s.tokenState.Token == "" {
			s.printLine("token: <empty>")
			return
		}
		token := s.tokenState.Token
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	case "config":
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		s.printLine("usage: show token|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, rl *readline.Instance, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	cmd, ok := s.commands[tokens[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s (try help)", tokens[0])
	}
	params := command.Params{}
	for _, token := range tokens[1:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) == 2 {
			params.Set(parts[0], parts[1])
			continue
		}
		// A bare token is the workload id, so "stop w-1" works without
		// spelling out id=.
		if takesID(cmd) && !params.Has("id") {
			params.Set("id", token)
			continue
		}
		return fmt.Errorf("invalid param: %s", token)
	}

	if err := s.promptMissing(rl, &cmd, params); err != nil {
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
	s.renderResponse(cmd, resp)
	return nil
}

func takesID(cmd command.Command) bool {
	for _, field := range cmd.Fields {
		if field.Name == "id" {
			return true
		}
	}
	return false
}

func (s *Session) promptMissing(rl *readline.Instance, cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(rl, field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(rl *readline.Instance, prompt string) (string, error) {
	rl.SetPrompt(prompt + ": ")
	defer rl.SetPrompt(promptDefault)
	line, err := rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

type workloadRow struct {
	ID               string   `json:"id"`
	OwnerID          int64    `json:"owner_id"`
	Plan             string   `json:"plan"`
	CodeRef          string   `json:"code_ref"`
	Entrypoint       []string `json:"entrypoint"`
	Status           string   `json:"status"`
	SleepReason      string   `json:"sleep_reason"`
	SleepSince       string   `json:"sleep_since"`
	RemainingSeconds int64    `json:"remaining_seconds"`
	PowerRemaining   float64  `json:"power_remaining"`
	PowerMax         float64  `json:"power_max"`
	RestartCount     int      `json:"restart_count"`
	AutoRecoveryUsed bool     `json:"auto_recovery_used"`
	StartedAt        string   `json:"started_at"`
	CPUPercent       float64  `json:"cpu_percent"`
	MemoryMB         float64  `json:"memory_mb"`
	LastCheckedAt    string   `json:"last_checked_at"`
	CreatedAt        string   `json:"created_at"`
}

func (s *Session) renderResponse(cmd command.Command, resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		s.printBody(resp.Body)
		return
	}
	if env.Code != int(pkgerrors.Success) {
		s.printLine("code=%d message=%s", env.Code, env.Message)
		if env.TraceID != "" {
			s.printLine("trace_id=%s", env.TraceID)
		}
		return
	}

	switch cmd.Name {
	case "list":
		if s.renderWorkloadTable(env.Data) {
			return
		}
	case "create", "get", "grant":
		if s.renderWorkloadDetail(env.Data) {
			return
		}
	case "status":
		if s.renderLiveStatus(env.Data) {
			return
		}
	}
	if env.Message != "" {
		s.printLine("%s", env.Message)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		s.printBody(env.Data)
	}
}

func (s *Session) renderWorkloadTable(data json.RawMessage) bool {
	var list struct {
		Items []workloadRow `json:"items"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return false
	}
	tw := tabwriter.NewWriter(s.outputWriter, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tPLAN\tSTATUS\tREMAINING\tPOWER\tRESTARTS")
	for _, w := range list.Items {
		status := w.Status
		if w.SleepReason != "" {
			status = fmt.Sprintf("%s(%s)", w.Status, w.SleepReason)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.1f/%.1f\t%d\n",
			w.ID, w.OwnerID, w.Plan, status,
			formatSeconds(w.RemainingSeconds), w.PowerRemaining, w.PowerMax, w.RestartCount)
	}
	_ = tw.Flush()
	s.printLine("total: %d", list.Total)
	return true
}

func (s *Session) renderWorkloadDetail(data json.RawMessage) bool {
	var w workloadRow
	if err := json.Unmarshal(data, &w); err != nil || w.ID == "" {
		return false
	}
	tw := tabwriter.NewWriter(s.outputWriter, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", w.ID)
	fmt.Fprintf(tw, "owner\t%d\n", w.OwnerID)
	fmt.Fprintf(tw, "plan\t%s\n", w.Plan)
	fmt.Fprintf(tw, "code\t%s\n", w.CodeRef)
	fmt.Fprintf(tw, "entrypoint\t%s\n", strings.Join(w.Entrypoint, " "))
	fmt.Fprintf(tw, "status\t%s\n", w.Status)
	if w.SleepReason != "" {
		fmt.Fprintf(tw, "sleep\t%s since %s\n", w.SleepReason, w.SleepSince)
	}
	fmt.Fprintf(tw, "remaining\t%s\n", formatSeconds(w.RemainingSeconds))
	fmt.Fprintf(tw, "power\t%.1f/%.1f\n", w.PowerRemaining, w.PowerMax)
	fmt.Fprintf(tw, "restarts\t%d\n", w.RestartCount)
	if w.AutoRecoveryUsed {
		fmt.Fprintf(tw, "auto_recovery\tused\n")
	}
	if w.StartedAt != "" {
		fmt.Fprintf(tw, "started\t%s\n", w.StartedAt)
	}
	if w.LastCheckedAt != "" {
		fmt.Fprintf(tw, "checked\t%s (cpu %.1f%%, mem %.1f MB)\n", w.LastCheckedAt, w.CPUPercent, w.MemoryMB)
	}
	_ = tw.Flush()
	return true
}

func (s *Session) renderLiveStatus(data json.RawMessage) bool {
	var st struct {
		WorkloadID       string  `json:"workload_id"`
		Status           string  `json:"status"`
		CPUPercent       float64 `json:"cpu_percent"`
		MemoryMB         float64 `json:"memory_mb"`
		RemainingSeconds int64   `json:"remaining_seconds"`
		PowerRemaining   float64 `json:"power_remaining"`
		CheckedAt        string  `json:"checked_at"`
	}
	if err := json.Unmarshal(data, &st); err != nil || st.WorkloadID == "" {
		return false
	}
	tw := tabwriter.NewWriter(s.outputWriter, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "workload\t%s\n", st.WorkloadID)
	fmt.Fprintf(tw, "status\t%s\n", st.Status)
	fmt.Fprintf(tw, "cpu\t%.1f%%\n", st.CPUPercent)
	fmt.Fprintf(tw, "memory\t%.1f MB\n", st.MemoryMB)
	fmt.Fprintf(tw, "remaining\t%s\n", formatSeconds(st.RemainingSeconds))
	fmt.Fprintf(tw, "power\t%.1f\n", st.PowerRemaining)
	fmt.Fprintf(tw, "checked\t%s\n", st.CheckedAt)
	_ = tw.Flush()
	return true
}

func formatSeconds(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func (s *Session) printBody(body []byte) {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) printHelp() {
	s.printLine("usage: <command> [workload-id] key=value ...")
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(s.outputWriter, 0, 4, 2, ' ', 0)
	for _, name := range names {
		cmd := s.commands[name]
		summary := cmd.Summary
		if cmd.AdminOnly {
			summary += " (admin)"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", name, summary)
	}
	_ = tw.Flush()
	s.printLine("system: help | exit | set base|timeout|token | show token|config | clear token")
	s.printLine("examples:")
	s.printLine("  create owner_id=7 code_ref=s3://bundles/bot.tar.zst entrypoint=python,main.py plan=free")
	s.printLine("  stop 2f8d04c1-93a8-4a2e-9c71-5d86f0a41b7e graceful=false")
	s.printLine("  grant 2f8d04c1-93a8-4a2e-9c71-5d86f0a41b7e seconds=3600 power=5 reason=\"plan upgrade\"")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
