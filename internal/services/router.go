package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/oauth2"
)

// Result is the outcome of submitting one conversation turn. The agent's answer is not part of it; it shows
// up later in the session events.
type Result struct {
	Success   bool
	SessionID string
	Error     string
}

// DefaultAcceptWindow is how long a written turn request may wait for its response status before the turn is
// considered accepted. The direct runtime only answers /run once the agent has finished.
const DefaultAcceptWindow = 500 * time.Millisecond

// RouterConfig holds what the turn strategies need to reach the runtime.
type RouterConfig struct {
	Kind    BackendKind
	BaseURL string
	AppName string

	// Tokens is required for BackendManaged.
	Tokens oauth2.TokenSource
	Client *http.Client

	// AcceptWindow defaults to DefaultAcceptWindow.
	AcceptWindow time.Duration
}

// Router submits conversation turns to the runtime using the strategy of the configured backend kind. It
// sends exactly one request per turn and never retries.
type Router struct {
	turn         turnStrategy
	client       *http.Client
	acceptWindow time.Duration

	logger *slog.Logger
}

type turnOutcome struct {
	resp *http.Response
	err  error
}

type turnStrategy interface {
	name() string
	newRequest(ctx context.Context, sessionID, text, userID string) (*http.Request, error)
	drain(body io.ReadCloser)
}

type directTurn struct {
	runURL  string
	appName string
	logger  *slog.Logger
}

type directRunRequest struct {
	AppName    string            `json:"app_name"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	NewMessage directNewMessage  `json:"new_message"`
	Streaming  bool              `json:"streaming"`
	State      map[string]string `json:"state"`
}

type directNewMessage struct {
	Role  string           `json:"role"`
	Parts []directTextPart `json:"parts"`
}

type directTextPart struct {
	Text string `json:"text"`
}

type managedTurn struct {
	streamURL string
	tokens    oauth2.TokenSource
	logger    *slog.Logger
}

type managedQueryInput struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type managedStreamEvent struct {
	Author       string     `json:"author"`
	ErrorCode    flexString `json:"error_code"`
	ErrorMessage string     `json:"error_message"`
	Error        any        `json:"error"`
}

// NewRouter creates a Router for cfg.Kind.
func NewRouter(cfg RouterConfig, logger *slog.Logger) (Router, error) {
	logger = logger.With(slog.String("module", "router"))

	var turn turnStrategy
	switch cfg.Kind {
	case BackendDirect:
		turn = directTurn{
			runURL:  strings.TrimSuffix(cfg.BaseURL, "/") + "/run",
			appName: cfg.AppName,
			logger:  logger,
		}
	case BackendManaged:
		if cfg.Tokens == nil {
			return Router{}, fmt.Errorf("%w: managed backend requires a token source", ErrAuth)
		}
		streamURL, err := StreamingURL(cfg.BaseURL)
		if err != nil {
			return Router{}, err
		}
		turn = managedTurn{
			streamURL: streamURL,
			tokens:    cfg.Tokens,
			logger:    logger,
		}
	default:
		return Router{}, fmt.Errorf("unknown backend kind: %v", cfg.Kind)
	}

	acceptWindow := cfg.AcceptWindow
	if acceptWindow <= 0 {
		acceptWindow = DefaultAcceptWindow
	}

	return Router{
		turn:         turn,
		client:       defaultClient(cfg.Client),
		acceptWindow: acceptWindow,
		logger:       logger,
	}, nil
}

// HandleRequest submits userText as the next turn of sessionID. It returns once the runtime answered with a
// status, or once the request was written and no status arrived within the accept window; the rest of the
// turn is followed in the background. Protocol and transport failures seen before that are reported in the
// Result; the returned error is non-nil only when credentials cannot be obtained, which needs operator
// intervention rather than a retry.
func (r Router) HandleRequest(ctx context.Context, sessionID, userText, userID string) (Result, error) {
	name := r.turn.name()
	res := Result{SessionID: sessionID}

	// The request outlives the call: the runtime keeps working on the turn while the connection is open.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	wrote := make(chan error, 1)
	reqCtx = httptrace.WithClientTrace(reqCtx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			select {
			case wrote <- info.Err:
			default:
			}
		},
	})

	req, err := r.turn.newRequest(reqCtx, sessionID, userText, userID)
	if err != nil {
		cancel()
		if errors.Is(err, ErrAuth) {
			return res, err
		}
		res.Error = fmt.Sprintf("%s: %v", name, err)
		return res, nil
	}

	done := make(chan turnOutcome, 1)
	go func() {
		resp, err := r.client.Do(req)
		done <- turnOutcome{resp: resp, err: err}
	}()

	var accepted <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case out := <-done:
			if err := r.check(name, sessionID, out); err != "" {
				cancel()
				res.Error = err
				return res, nil
			}
			go r.follow(cancel, out.resp.Body)

			r.logger.Debug("Turn submitted", slog.String("handler", name), slog.String("sessionID", sessionID))
			res.Success = true
			return res, nil

		case err := <-wrote:
			wrote = nil
			if err != nil {
				// Do reports the write failure.
				continue
			}
			timer = time.NewTimer(r.acceptWindow)
			accepted = timer.C

		case <-accepted:
			go r.await(name, sessionID, cancel, done)

			r.logger.Debug("Turn accepted without status",
				slog.String("handler", name),
				slog.String("sessionID", sessionID))
			res.Success = true
			return res, nil

		case <-ctx.Done():
			cancel()
			if out := <-done; out.resp != nil {
				out.resp.Body.Close()
			}
			res.Error = fmt.Sprintf("%s: %v", name, ctx.Err())
			return res, nil
		}
	}
}

// check logs and describes a failed outcome. It returns an empty string for a successful one.
func (r Router) check(name, sessionID string, out turnOutcome) string {
	if out.err != nil {
		r.logger.Error("Turn submission failed",
			slog.String("handler", name),
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, out.err.Error()))
		return fmt.Sprintf("%s: %v", name, out.err)
	}

	if !isSuccess(out.resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(out.resp.Body, 64<<10))
		out.resp.Body.Close()
		r.logger.Error("Turn submission rejected",
			slog.String("handler", name),
			slog.String("sessionID", sessionID),
			slog.Int("status", out.resp.StatusCode),
			slog.String("body", string(body)))
		return fmt.Sprintf("%s: %d %s", name, out.resp.StatusCode, http.StatusText(out.resp.StatusCode))
	}
	return ""
}

// await waits for the status of a turn that was already reported as accepted. A late failure can only be
// logged; it shows up for the user as a pending message that never confirms.
func (r Router) await(name, sessionID string, cancel context.CancelFunc, done <-chan turnOutcome) {
	out := <-done
	if r.check(name, sessionID, out) != "" {
		cancel()
		return
	}
	r.follow(cancel, out.resp.Body)
}

func (r Router) follow(cancel context.CancelFunc, body io.ReadCloser) {
	defer cancel()
	r.turn.drain(body)
}

func (d directTurn) name() string { return "direct" }

func (d directTurn) newRequest(ctx context.Context, sessionID, text, userID string) (*http.Request, error) {
	body, err := json.Marshal(directRunRequest{
		AppName:   d.appName,
		UserID:    userID,
		SessionID: sessionID,
		NewMessage: directNewMessage{
			Role:  "user",
			Parts: []directTextPart{{Text: text}},
		},
		Streaming: false,
		State:     map[string]string{"user_id": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.runURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (d directTurn) drain(body io.ReadCloser) {
	defer body.Close()
	if _, err := io.Copy(io.Discard, body); err != nil {
		d.logger.Debug("Run response closed early", slog.String(errLoggerKey, err.Error()))
	}
}

func (m managedTurn) name() string { return "managed" }

func (m managedTurn) newRequest(ctx context.Context, sessionID, text, userID string) (*http.Request, error) {
	body, err := json.Marshal(managedRequest{
		ClassMethod: managedStreamQuery,
		Input: managedQueryInput{
			UserID:    userID,
			SessionID: sessionID,
			Message:   text,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.streamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if err := authorize(req, m.tokens); err != nil {
		return nil, err
	}
	return req, nil
}

// drain reads the event stream to its end. Events are not used here, they are read back by polling, but
// errors reported inside the stream are logged since the HTTP status was already 200.
func (m managedTurn) drain(body io.ReadCloser) {
	defer body.Close()

	count := 0
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			m.logger.Debug("Stream closed", slog.String(errLoggerKey, err.Error()))
			return
		}
		count++

		var se managedStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			continue
		}
		if se.ErrorCode != "" || se.ErrorMessage != "" || se.Error != nil {
			m.logger.Warn("Runtime reported an error during the turn",
				slog.String("author", se.Author),
				slog.String("code", string(se.ErrorCode)),
				slog.String("message", se.ErrorMessage),
				slog.Any("error", se.Error))
		}
	}
	m.logger.Debug("Stream ended", slog.Int("events", count))
}
