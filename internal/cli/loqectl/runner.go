package loqectl

import (
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
	Stdout     io.Writer
	Stderr     io.Writer
}

// request is the HTTP call a command resolves to.
type request struct {
	method string
	path   string
	body   any
}

type command struct {
	usage string
	args  int
	build func(args []string) (request, error)
}

var commands = map[string]command{
	"health":      {usage: "health", build: fixed(http.MethodGet, "/v1/health")},
	"ready":       {usage: "ready", build: fixed(http.MethodGet, "/v1/ready")},
	"tables":      {usage: "tables", build: fixed(http.MethodGet, "/v1/tables")},
	"catalogs":    {usage: "catalogs", build: fixed(http.MethodGet, "/v1/catalogs")},
	"extensions":  {usage: "extensions", build: fixed(http.MethodGet, "/v1/extensions")},
	"pool":        {usage: "pool", build: fixed(http.MethodGet, "/v1/pool")},
	"settings":    {usage: "settings", build: fixed(http.MethodGet, "/v1/settings")},
	"free-memory": {usage: "free-memory", build: fixed(http.MethodPost, "/v1/memory/free")},
	"reset":       {usage: "reset", build: fixed(http.MethodPost, "/v1/reset")},
	"query": {usage: "query <sql>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodPost, path: "/v1/query", body: map[string]string{"sql": args[0]}}, nil
	}},
	"history": {usage: "history [limit]", build: func(args []string) (request, error) {
		if len(args) == 0 {
			return request{method: http.MethodGet, path: "/v1/history"}, nil
		}
		if _, err := strconv.Atoi(args[0]); err != nil {
			return request{}, fmt.Errorf("invalid limit %q", args[0])
		}
		return request{method: http.MethodGet, path: "/v1/history?limit=" + args[0]}, nil
	}},
	"columns": {usage: "columns <table>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodGet, path: "/v1/tables/" + url.PathEscape(args[0]) + "/columns"}, nil
	}},
	"attach": {usage: "attach <name> <uri> [project-id]", args: 2, build: func(args []string) (request, error) {
		body := map[string]string{"name": args[0], "uri": args[1]}
		if len(args) > 2 {
			body["project_id"] = args[2]
		}
		return request{method: http.MethodPost, path: "/v1/catalogs", body: body}, nil
	}},
	"detach": {usage: "detach <name>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodDelete, path: "/v1/catalogs/" + url.PathEscape(args[0])}, nil
	}},
	"install": {usage: "install <extension>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodPost, path: "/v1/extensions", body: map[string]string{"name": args[0]}}, nil
	}},
	"uninstall": {usage: "uninstall <extension>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodDelete, path: "/v1/extensions/" + url.PathEscape(args[0])}, nil
	}},
	"token": {usage: "token <bearer>", args: 1, build: func(args []string) (request, error) {
		return request{method: http.MethodPost, path: "/v1/token", body: map[string]string{"token": args[0]}}, nil
	}},
	"set": {usage: "set <key=value>...", args: 1, build: buildSettingsUpdate},
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

	fs := flag.NewFlagSet("loqectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "loqe API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 3*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	name := strings.TrimSpace(fs.Arg(0))
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return 2
	}
	cmdArgs := fs.Args()[1:]
	if len(cmdArgs) < cmd.args {
		_, _ = fmt.Fprintf(stderr, "usage: loqectl %s\n", cmd.usage)
		return 2
	}
	req, err := cmd.build(cmdArgs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func fixed(method, path string) func([]string) (request, error) {
	return func([]string) (request, error) {
		return request{method: method, path: path}, nil
	}
}

// buildSettingsUpdate turns key=value pairs into a partial settings body.
// Numeric values are sent as numbers, anything else as a string.
func buildSettingsUpdate(args []string) (request, error) {
	body := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return request{}, fmt.Errorf("expected key=value, got %q", arg)
		}
		value = strings.TrimSpace(value)
		if n, err := strconv.Atoi(value); err == nil {
			body[key] = n
			continue
		}
		body[key] = value
	}
	return request{method: http.MethodPut, path: "/v1/settings", body: body}, nil
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
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

var usageOrder = []string{
	"health", "ready", "query", "history", "tables", "columns",
	"catalogs", "attach", "detach", "extensions", "install", "uninstall",
	"token", "pool", "free-memory", "reset", "settings", "set",
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: loqectl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	for _, name := range usageOrder {
		_, _ = fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
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
