// Command assignerctl is the operator CLI for the assigner daemon. It talks
// to the telemetry API over HTTP and maps error bodies onto stable exit
// codes so scripts can branch on outcomes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Exit codes. Scripts depend on these; never renumber.
const (
	exitOK            = 0
	exitNotFound      = 1
	exitInvalidArg    = 2
	exitInvalidConfig = 3
	exitStoreFailure  = 4
	exitConflict      = 5
)

const defaultAddr = "http://127.0.0.1:8950"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: assignerctl [flags] <command> [args]

Commands:
  enqueue [file|-]     queue a work item (payload from file or stdin)
  list                 list work items
  get <id>             show one work item
  events <id>          show the audit trail of a work item
  cancel <id>          cancel a work item
  retry <id>           requeue a terminal work item as a fresh copy
  archive <id>         archive a terminal work item
  sessions             list known sessions
  stats                show queue statistics
  query <name> [k=v]   run a named query
  config reload        reload policy configuration

Flags:
  -addr string         API address (default %s, or ASSIGNER_API)
`, defaultAddr)
}

func main() {
	addr := flag.String("addr", envOr("ASSIGNER_API", defaultAddr), "assigner API address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitInvalidArg)
	}

	cli := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch args[0] {
	case "enqueue":
		err = cmdEnqueue(cli, args[1:])
	case "list":
		err = cmdList(cli, args[1:])
	case "get":
		err = cmdGet(cli, args[1:])
	case "events":
		err = cmdEvents(cli, args[1:])
	case "cancel":
		err = cmdCancel(cli, args[1:])
	case "retry":
		err = cmdRetry(cli, args[1:])
	case "archive":
		err = cmdArchive(cli, args[1:])
	case "sessions":
		err = cmdSessions(cli, args[1:])
	case "stats":
		err = cli.getJSON("/api/v1/stats", nil)
	case "query":
		err = cmdQuery(cli, args[1:])
	case "config":
		err = cmdConfig(cli, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "assignerctl: unknown command %q\n", args[0])
		os.Exit(exitInvalidArg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "assignerctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// apiError carries the structured error body plus the code-to-exit mapping.
type apiError struct {
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

type argError string

func (e argError) Error() string { return string(e) }

func exitCode(err error) int {
	if _, ok := err.(argError); ok {
		return exitInvalidArg
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		return exitStoreFailure
	}
	switch apiErr.Code {
	case "not_found", "unknown_query":
		return exitNotFound
	case "invalid_argument", "invalid_payload", "missing_parameter":
		return exitInvalidArg
	case "invalid_configuration":
		return exitInvalidConfig
	case "conflict", "terminal_state":
		return exitConflict
	default:
		return exitStoreFailure
	}
}

type client struct {
	base string
	http *http.Client
}

// do performs one API call and prints the response body as indented JSON.
func (c *client) do(method, path string, query url.Values, body any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach assigner at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
			return &apiError{Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return &apiError{Code: "internal", Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		_, err = os.Stdout.Write(raw)
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

func (c *client) getJSON(path string, query url.Values) error {
	return c.do(http.MethodGet, path, query, nil)
}

func cmdEnqueue(c *client, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	priority := fs.Int("priority", 5, "priority 0-10")
	taskType := fs.String("task-type", "default", "task type for routing")
	target := fs.String("target-session", "", "pin to one session")
	provider := fs.String("target-provider", "", "restrict to one provider")
	source := fs.String("source", "", "originating session, excluded from routing")
	maxRetries := fs.Int("max-retries", 0, "retry budget (0 uses the default)")
	timeout := fs.Int("timeout", 0, "timeout override in minutes")
	_ = fs.Parse(args)

	payload, err := readPayload(fs.Args())
	if err != nil {
		return err
	}

	return c.do(http.MethodPost, "/api/v1/items", nil, map[string]any{
		"payload":         payload,
		"priority":        *priority,
		"task_type":       *taskType,
		"target_session":  *target,
		"target_provider": *provider,
		"source":          *source,
		"max_retries":     *maxRetries,
		"timeout_minutes": *timeout,
	})
}

// readPayload reads the work item body from the named file, or stdin when
// the argument is absent or "-".
func readPayload(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(os.Stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return "", argError(err.Error())
	}
	return string(raw), nil
}

func cmdList(c *client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	taskType := fs.String("task-type", "", "filter by task type")
	session := fs.String("session", "", "filter by assigned session")
	archived := fs.Bool("archived", false, "include archived items")
	limit := fs.Int("limit", 0, "page size")
	offset := fs.Int("offset", 0, "page offset")
	_ = fs.Parse(args)

	query := url.Values{}
	setIf(query, "status", *status)
	setIf(query, "task_type", *taskType)
	setIf(query, "session", *session)
	if *archived {
		query.Set("archived", "true")
	}
	if *limit > 0 {
		query.Set("limit", fmt.Sprint(*limit))
	}
	if *offset > 0 {
		query.Set("offset", fmt.Sprint(*offset))
	}
	return c.getJSON("/api/v1/items", query)
}

func cmdGet(c *client, args []string) error {
	id, err := oneArg(args, "get")
	if err != nil {
		return err
	}
	return c.getJSON("/api/v1/items/"+url.PathEscape(id), nil)
}

func cmdEvents(c *client, args []string) error {
	id, err := oneArg(args, "events")
	if err != nil {
		return err
	}
	return c.getJSON("/api/v1/items/"+url.PathEscape(id)+"/events", nil)
}

func cmdCancel(c *client, args []string) error {
	id, err := oneArg(args, "cancel")
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, "/api/v1/items/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func cmdRetry(c *client, args []string) error {
	id, err := oneArg(args, "retry")
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, "/api/v1/items/"+url.PathEscape(id)+"/retry", nil, nil)
}

func cmdArchive(c *client, args []string) error {
	id, err := oneArg(args, "archive")
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, "/api/v1/items/"+url.PathEscape(id)+"/archive", nil, nil)
}

func cmdSessions(c *client, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	provider := fs.String("provider", "", "filter by provider")
	_ = fs.Parse(args)

	query := url.Values{}
	setIf(query, "status", *status)
	setIf(query, "provider", *provider)
	return c.getJSON("/api/v1/sessions", query)
}

func cmdQuery(c *client, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	csv := fs.Bool("csv", false, "export as CSV")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return argError("query requires a name")
	}
	name := rest[0]

	params := make(map[string]any)
	for _, pair := range rest[1:] {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return argError(fmt.Sprintf("parameter %q is not key=value", pair))
		}
		params[key] = value
	}

	query := url.Values{}
	if *csv {
		query.Set("format", "csv")
	}
	return c.do(http.MethodPost, "/api/v1/queries/"+url.PathEscape(name)+suffix(query), nil, params)
}

// suffix renders query values onto a path that also carries a JSON body.
func suffix(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	return "?" + query.Encode()
}

func cmdConfig(c *client, args []string) error {
	if len(args) != 1 || args[0] != "reload" {
		return argError("usage: assignerctl config reload")
	}
	return c.do(http.MethodPost, "/api/v1/config/reload", nil, nil)
}

func oneArg(args []string, command string) (string, error) {
	if len(args) != 1 {
		return "", argError(fmt.Sprintf("usage: assignerctl %s <id>", command))
	}
	return args[0], nil
}

func setIf(query url.Values, key, value string) {
	if value != "" {
		query.Set(key, value)
	}
}
