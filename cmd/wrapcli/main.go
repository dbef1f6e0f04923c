// Command wrapcli submits a wrap generation request and waits for the
// result. With -task it skips submission and resumes polling an existing
// task, which is how an interrupted run picks up where it left off.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"wrapserver/pkg/poller"
)

type generateResponse struct {
	TaskID           string          `json:"task_id"`
	Status           string          `json:"status"`
	Replay           bool            `json:"replay"`
	RemainingCredits int             `json:"remaining_credits"`
	Wrap             json.RawMessage `json:"wrap"`
	Error            string          `json:"error"`
}

func main() {
	var (
		server  = flag.String("server", "http://localhost:8080", "API base URL")
		token   = flag.String("token", os.Getenv("WRAP_TOKEN"), "bearer token")
		model   = flag.String("model", "", "vehicle model slug")
		prompt  = flag.String("prompt", "", "texture prompt")
		refs    = flag.String("refs", "", "comma-separated reference image URLs")
		idemKey = flag.String("idempotency-key", "", "idempotency key (generated when empty)")
		taskID  = flag.String("task", "", "resume polling an existing task instead of submitting")
		timeout = flag.Duration("timeout", 3*time.Minute, "total polling budget")
	)
	flag.Parse()

	if *token == "" {
		fatal("a bearer token is required (-token or WRAP_TOKEN)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Minute}

	if *taskID == "" {
		if *model == "" || *prompt == "" {
			fatal("-model and -prompt are required when submitting")
		}
		res, err := submit(ctx, client, *server, *token, *model, *prompt, *refs, *idemKey)
		if err != nil {
			fatal(err.Error())
		}
		if res.Status == "completed" {
			printWrap(res.Wrap, res.RemainingCredits)
			return
		}
		fmt.Fprintf(os.Stderr, "task %s accepted (replay=%v), polling...\n", res.TaskID, res.Replay)
		*taskID = res.TaskID
	}

	statusURL := strings.TrimRight(*server, "/") + "/v1/wraps/by-task/" + *taskID
	wrap, err := poller.New(client, poller.Config{MaxElapsed: *timeout}).Wait(ctx, statusURL, *token)
	if err != nil {
		switch {
		case errors.Is(err, poller.ErrTimeout):
			fatal(fmt.Sprintf("task %s still in flight, resume with: wrapcli -task %s", *taskID, *taskID))
		case errors.Is(err, poller.ErrGenerationFailed):
			fatal(fmt.Sprintf("generation failed (credits refunded): %v", err))
		case errors.Is(err, poller.ErrResultMissing):
			fatal("generation completed but the artifact is missing, contact support")
		default:
			fatal(err.Error())
		}
	}

	out, _ := json.MarshalIndent(wrap, "", "  ")
	fmt.Println(string(out))
}

func submit(ctx context.Context, client *http.Client, server, token, model, prompt, refs, idemKey string) (*generateResponse, error) {
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	body := map[string]any{
		"model_slug": model,
		"prompt":     prompt,
	}
	if refs != "" {
		body["reference_images"] = strings.Split(refs, ",")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/v1/wraps/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var res generateResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		if res.Error != "" {
			return nil, fmt.Errorf("submit failed (%d): %s", resp.StatusCode, res.Error)
		}
		return nil, fmt.Errorf("submit failed: status %d", resp.StatusCode)
	}
	return &res, nil
}

func printWrap(wrap json.RawMessage, remaining int) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, wrap, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(wrap))
	}
	fmt.Fprintf(os.Stderr, "remaining credits: %d\n", remaining)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "wrapcli: "+msg)
	os.Exit(1)
}
