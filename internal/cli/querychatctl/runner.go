package querychatctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type chatResponse struct {
	Answer  string     `json:"answer"`
	History []exchange `json:"history"`
}

type runner struct {
	client  *http.Client
	baseURL string
	apiKey  string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	fs := flag.NewFlagSet("querychatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querychat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout per request (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	r := runner{
		client:  client,
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  strings.TrimSpace(*apiKey),
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return r.get(ctx, "/v1/health")
	case "ready":
		return r.get(ctx, "/v1/ready")
	case "log":
		path := "/v1/query-log"
		if len(rest) > 0 {
			limit, err := strconv.Atoi(rest[0])
			if err != nil || limit <= 0 {
				_, _ = fmt.Fprintf(stderr, "invalid limit %q\n", rest[0])
				return 2
			}
			path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
		}
		return r.get(ctx, path)
	case "ask":
		question := strings.TrimSpace(strings.Join(rest, " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		resp, code := r.chat(ctx, nil, question)
		if code != 0 {
			return code
		}
		_, _ = fmt.Fprintln(stdout, resp.Answer)
		return 0
	case "chat":
		return r.repl(ctx)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (r runner) get(ctx context.Context, path string) int {
	code, responseBody, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(r.stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(responseBody))
	}
	return 0
}

func (r runner) chat(ctx context.Context, history []exchange, message string) (chatResponse, int) {
	payload, err := json.Marshal(map[string]any{"history": history, "message": message})
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "encode request: %v\n", err)
		return chatResponse{}, 1
	}
	code, responseBody, err := r.do(ctx, http.MethodPost, "/v1/chat", payload)
	if err != nil {
		_, _ = fmt.Fprintf(r.stderr, "request failed: %v\n", err)
		return chatResponse{}, 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(r.stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return chatResponse{}, 1
	}
	var resp chatResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "decode response: %v\n", err)
		return chatResponse{}, 1
	}
	return resp, 0
}

// repl reads one question per line and sends the accumulated history with
// each one. Blank lines are skipped; "exit" or EOF ends the session.
func (r runner) repl(ctx context.Context) int {
	var history []exchange
	scanner := bufio.NewScanner(r.stdin)
	for {
		_, _ = fmt.Fprint(r.stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		resp, code := r.chat(ctx, history, line)
		if code != 0 {
			continue
		}
		if len(resp.History) > 0 {
			history = resp.History
		} else {
			history = append(history, exchange{Question: line, Answer: resp.Answer})
		}
		_, _ = fmt.Fprintln(r.stdout, resp.Answer)
	}
	_, _ = fmt.Fprintln(r.stdout)
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(r.stderr, "read input: %v\n", err)
		return 1
	}
	return 0
}

func (r runner) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querychatctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question...>  POST /v1/chat with a single question")
	_, _ = fmt.Fprintln(w, "  chat               interactive session on stdin, keeps history")
	_, _ = fmt.Fprintln(w, "  log [limit]        GET /v1/query-log")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
