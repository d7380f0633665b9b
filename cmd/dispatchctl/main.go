package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/example/dispatch/pkg/dispatchapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "secret":
		runSecret(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "presence":
		runPresence(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dispatchctl <secret|submit|status|presence|verify> [...]")
}

func runSecret(args []string) {
	if len(args) < 1 || args[0] != "generate" {
		fmt.Fprintln(os.Stderr, "usage: dispatchctl secret generate [--length N]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("secret generate", flag.ExitOnError)
	length := fs.Int("length", 32, "random bytes before base64url encoding")
	_ = fs.Parse(args[1:])
	if *length < 32 {
		fatalf("length must be >= 32")
	}
	b := make([]byte, *length)
	if _, err := rand.Read(b); err != nil {
		fatalf("generate secret: %v", err)
	}
	fmt.Println(base64.RawURLEncoding.EncodeToString(b))
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "control plane URL")
	token := fs.String("token", "", "API token")
	owner := fs.String("owner", "", "owner account id")
	taskType := fs.String("type", "", "task type, e.g. post_listing")
	payload := fs.String("payload", "{}", "task payload as JSON")
	priority := fs.Int("priority", 0, "task priority")
	_ = fs.Parse(args)

	if strings.TrimSpace(*owner) == "" {
		fatalf("--owner is required")
	}
	if strings.TrimSpace(*taskType) == "" {
		fatalf("--type is required")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(*payload), &doc); err != nil {
		fatalf("--payload must be a JSON object: %v", err)
	}
	req := dispatchapi.EnqueueTaskRequest{
		OwnerID:  *owner,
		Type:     *taskType,
		Payload:  doc,
		Priority: *priority,
	}
	var resp dispatchapi.EnqueueTaskResponse
	doJSON(http.MethodPost, strings.TrimRight(*url, "/")+"/v1/tasks", *token, req, &resp)
	fmt.Printf("task %s %s\n", resp.TaskID, resp.Status)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "control plane URL")
	token := fs.String("token", "", "API token")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: dispatchctl status [flags] <task-id>")
	}
	var task dispatchapi.Task
	doJSON(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/tasks/"+fs.Arg(0), *token, nil, &task)
	fmt.Printf("task %s owner=%s type=%s status=%s retries=%d\n",
		task.ID, task.OwnerID, task.Type, task.Status, task.RetryCount)
	if task.CompletedAt != "" {
		fmt.Printf("completed at %s\n", task.CompletedAt)
	}
	if len(task.Result) > 0 {
		out, _ := json.MarshalIndent(task.Result, "", "  ")
		fmt.Println(string(out))
	}
}

func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "control plane URL")
	token := fs.String("token", "", "API token")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: dispatchctl presence [flags] <owner-id>")
	}
	var resp dispatchapi.PresenceResponse
	doJSON(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/agents/"+fs.Arg(0)+"/presence", *token, nil, &resp)
	state := "offline"
	if resp.Online {
		state = "online"
	}
	fmt.Printf("%s is %s (last heartbeat %d)\n", resp.OwnerID, state, resp.LastHeartbeat)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "control plane URL")
	token := fs.String("token", "", "API token")
	_ = fs.Parse(args)

	healthURL := strings.TrimRight(*url, "/") + "/healthz"
	req, err := http.NewRequest(http.MethodGet, healthURL, nil)
	if err != nil {
		fatalf("health check request build failed: %v", err)
	}
	if strings.TrimSpace(*token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("health check returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	fmt.Printf("ok: %s\n", healthURL)
}

func doJSON(method, url, token string, reqBody, respBody any) {
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		fatalf("build request: %v", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		fatalf("%s %s returned %s: %s", method, url, resp.Status, strings.TrimSpace(string(b)))
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			fatalf("decode response: %v", err)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
