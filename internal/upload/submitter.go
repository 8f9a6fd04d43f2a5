package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicetalk/internal/reliability"
)

// ErrTurnViolation means the other party has not replied yet. It is final
// for this clip and must not be retried.
var ErrTurnViolation = errors.New("it is the other party's turn")

// Target selects where a clip is submitted. Exactly one field is set.
type Target struct {
	EchoID         string
	ConversationID string
	NewEcho        bool
}

func (t Target) path() (string, error) {
	switch {
	case t.NewEcho:
		return "/v1/echos", nil
	case t.EchoID != "":
		return "/v1/echos/" + url.PathEscape(t.EchoID) + "/messages", nil
	case t.ConversationID != "":
		return "/v1/conversations/" + url.PathEscape(t.ConversationID) + "/messages", nil
	default:
		return "", errors.New("upload target is empty")
	}
}

// Payload is the submission body.
type Payload struct {
	AudioData   string  `json:"audio_data"`
	Duration    float64 `json:"duration"`
	ContentType string  `json:"content_type,omitempty"`
}

// Result summarizes a successful submission.
type Result struct {
	EchoID         string
	MessageID      string
	ConversationID string
	Seq            int
	FirstReply     bool
	HTML           string
}

// SubmitError is a non-2xx answer from the server.
type SubmitError struct {
	Status  int
	Code    string
	Message string
	// Retryable tells the UI whether offering a manual resubmit makes sense.
	Retryable bool
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

func (e *SubmitError) Unwrap() error {
	if e.Code == "turn_violation" {
		return ErrTurnViolation
	}
	return nil
}

// Submitter delivers a clip to the server.
type Submitter interface {
	Submit(ctx context.Context, target Target, p Payload) (Result, error)
}

// HTTPSubmitter posts clips to the voicetalk API with a bearer token.
type HTTPSubmitter struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSubmitter(baseURL, token string) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitResponse struct {
	Echo *struct {
		ID string `json:"id"`
	} `json:"echo"`
	Message *struct {
		ID  string `json:"id"`
		Seq int    `json:"seq"`
	} `json:"message"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	HTML       string `json:"html"`
	FirstReply bool   `json:"first_reply"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, target Target, p Payload) (Result, error) {
	path, err := target.path()
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("marshal submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send submission: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		if er.Error == "" {
			er.Error = strings.TrimSpace(string(raw))
		}
		return Result{}, &SubmitError{
			Status:    res.StatusCode,
			Code:      er.Code,
			Message:   er.Error,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	out := Result{HTML: sr.HTML, FirstReply: sr.FirstReply}
	if sr.Echo != nil {
		out.EchoID = sr.Echo.ID
	}
	if sr.Message != nil {
		out.MessageID = sr.Message.ID
		out.Seq = sr.Message.Seq
	}
	if sr.Conversation != nil {
		out.ConversationID = sr.Conversation.ID
	}
	return out, nil
}
