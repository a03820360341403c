package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:3210", "Memory Den server URL")
	sessionID := flag.String("session", "", "session id")
	project := flag.String("project", "", "project name")
	query := flag.String("query", "", "search or pipeline query")
	limit := flag.Int("limit", 0, "result limit (0 = server default)")
	strategy := flag.String("strategy", "", "cleanup strategy: delete or archive")
	backends := flag.String("backends", "", "comma-separated backend tags")
	fresh := flag.Bool("fresh", false, "rank search results by freshness")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	var op string
	params := map[string]interface{}{}
	switch flag.Arg(0) {
	case "capture":
		op = "capture_session"
		setIf(params, "session_id", *sessionID)
		setIf(params, "project_name", *project)
		if ctxObj := readStdinJSON(); ctxObj != nil {
			params["context"] = ctxObj
		}
	case "restore":
		op = "restore_session"
		setIf(params, "session_id", *sessionID)
		setIf(params, "project_name", *project)
	case "list":
		op = "list_active_sessions"
		setIf(params, "project_name", *project)
		if *limit > 0 {
			params["max_results"] = *limit
		}
	case "cleanup":
		op = "cleanup_expired"
		setIf(params, "strategy", *strategy)
	case "search":
		op = "search_all"
		if *fresh {
			op = "search_with_freshness"
		}
		setIf(params, "query", *query)
		if *limit > 0 {
			params["limit"] = *limit
		}
		if *backends != "" {
			params["backends"] = strings.Split(*backends, ",")
		}
	case "process":
		op = "process_query_realtime"
		setIf(params, "query", *query)
		if ctxObj := readStdinJSON(); ctxObj != nil {
			params["context"] = ctxObj
		}
	default:
		usage()
		os.Exit(2)
	}

	env := call(*server, op, params)
	out, _ := json.MarshalIndent(env, "", "  ")
	fmt.Println(string(out))

	if success, _ := env["success"].(bool); !success {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recall [flags] <command>

Commands:
  capture   capture a session (context from stdin when piped)
  restore   restore a session by id
  list      list active sessions, freshest first
  cleanup   remove expired sessions
  search    query all search backends (-fresh for freshness ranking)
  process   run a query context through the realtime pipeline

Flags:
`)
	flag.PrintDefaults()
}

func setIf(params map[string]interface{}, key, val string) {
	if val != "" {
		params[key] = val
	}
}

// readStdinJSON decodes a JSON object from stdin when input is piped.
func readStdinJSON() map[string]interface{} {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
		return nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		printError("stdin is not a JSON object: %v", err)
		os.Exit(2)
	}
	return obj
}

func call(server, op string, params map[string]interface{}) map[string]interface{} {
	body, _ := json.Marshal(params)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(server+"/api/ops/"+op, "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var env map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		printError("Failed to parse response (%d): %v", resp.StatusCode, err)
		os.Exit(1)
	}
	return env
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
