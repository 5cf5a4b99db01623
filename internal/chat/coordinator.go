// Package chat owns a conversation transcript and streams assistant replies into it from the chat relay
// endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/models"
)

// IdentityResolver resolves the identity presented to the relay in the SessionHeader.
type IdentityResolver interface {
	EnsureIdentity(ctx context.Context) (string, error)
}

// TokenSource supplies the access token of the signed-in session. An empty token means there is none.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Snapshot is the observable state of a Coordinator, emitted to subscribers after every transition and
// every appended delta. Messages is a copy owned by the receiver.
type Snapshot struct {
	State    models.ExchangeState
	Messages []models.Message
	// Err is the failure of the most recent exchange, if any.
	Err error
}

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	// APIKey is the public key of the relay. It is sent in the apikey header, and as the bearer token
	// when Tokens has no token to offer.
	APIKey string
	// Tokens supplies the bearer token proving that the session in the SessionHeader belongs to this
	// client. The relay only records exchanges it can attribute this way.
	Tokens   TokenSource
	Language string
	// ReadTimeout bounds the time between two reads of the response body.
	ReadTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Coordinator manages the lifecycle of chat exchanges against one relay endpoint. Exchanges are
// serialized: a send while another exchange is in flight is rejected, not queued.
type Coordinator struct {
	endpoint    string
	apiKey      string
	tokens      TokenSource
	readTimeout time.Duration
	client      *http.Client
	identities  IdentityResolver

	mu         sync.Mutex
	state      models.ExchangeState
	transcript []models.Message
	identity   string
	language   string
	lastErr    error
	cancel     context.CancelFunc

	subsMu      sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int

	logger *slog.Logger
}

// SessionHeader carries the resolved identity on chat requests.
const SessionHeader = "x-session-id"

// FallbackReply is appended as an assistant message when an exchange fails before producing any content.
const FallbackReply = "Sorry, I encountered an error. Please try again."

const (
	defaultLanguage    = "en"
	defaultReadTimeout = 60 * time.Second
)

var (
	// ErrEmptyMessage is returned when the submitted text is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned when an exchange is already in flight.
	ErrBusy = errors.New("an exchange is already in flight")
	// ErrTransport covers a failed request, a non-success status, a missing body and a broken stream.
	ErrTransport = errors.New("transport failure")
	// ErrEmptyReply is returned when the stream ended without producing any assistant content.
	ErrEmptyReply = errors.New("empty reply")
)

// NewCoordinator creates a Coordinator posting to endpoint and resolving identities with identities.
func NewCoordinator(endpoint string, identities IdentityResolver, opts Options) *Coordinator {
	c := &Coordinator{
		endpoint:    endpoint,
		apiKey:      opts.APIKey,
		tokens:      opts.Tokens,
		readTimeout: opts.ReadTimeout,
		client:      opts.HTTPClient,
		identities:  identities,
		language:    opts.Language,
		subscribers: map[int]func(Snapshot){},
		logger:      opts.Logger,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.language == "" {
		c.language = defaultLanguage
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("module", "chat"))
	return c
}

// Bootstrap resolves the identity ahead of the first exchange. A failure leaves the Coordinator usable;
// SendMessage tries again.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	id, err := c.identities.EnsureIdentity(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	return nil
}

// SendMessage runs one exchange: it appends text as a user message, posts the transcript to the relay and
// streams the reply into a trailing assistant message. It returns once the exchange has settled.
//
// Blank text and calls made while another exchange is in flight are no-ops, reported as ErrEmptyMessage
// and ErrBusy. Every other failure has already been reflected in the transcript or the snapshot when it
// is returned: transport failures and empty replies append FallbackReply unless some content was
// streamed, in which case the partial reply is kept. An identity failure leaves the user message without
// a reply and is only reported through the returned error and Snapshot.Err.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != models.StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.transcript = append(c.transcript, models.Message{Role: models.RoleUser, Content: text})
	c.state = models.StateSending
	c.lastErr = nil
	c.cancel = cancel
	c.mu.Unlock()
	c.publish()

	err := c.exchange(ctx)

	c.mu.Lock()
	c.lastErr = err
	c.cancel = nil
	c.state = models.StateSettled
	c.mu.Unlock()
	c.publish()

	c.mu.Lock()
	c.state = models.StateIdle
	c.mu.Unlock()
	c.publish()

	return err
}

func (c *Coordinator) exchange(ctx context.Context) error {
	id, err := c.resolveIdentity(ctx)
	if err != nil {
		c.logger.Error("Failed to resolve identity", slog.String(errLoggerKey, err.Error()))
		return err
	}

	produced, err := c.stream(ctx, id)
	if err != nil {
		c.logger.Error("Exchange failed",
			slog.Bool("partial", produced),
			slog.String(errLoggerKey, err.Error()))
		if !produced {
			c.appendFallback()
		}
		return err
	}
	if !produced {
		c.logger.Warn("Stream ended without content")
		c.appendFallback()
		return ErrEmptyReply
	}
	return nil
}

func (c *Coordinator) resolveIdentity(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	id, err := c.identities.EnsureIdentity(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	return id, nil
}

type chatRequest struct {
	Messages []models.Message `json:"messages"`
	Language string           `json:"language"`
}

// stream posts the transcript and appends the reply deltas. produced reports whether any delta was
// appended, which stays meaningful when err is not nil.
func (c *Coordinator) stream(ctx context.Context, id string) (produced bool, err error) {
	c.mu.Lock()
	body, err := json.Marshal(chatRequest{
		Messages: slices.Clone(c.transcript),
		Language: c.language,
	})
	c.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.logger.Debug("Request", slog.String("body", string(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: failed to create request: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionHeader, id)
	setAuthHeaders(req, c.apiKey, c.accessToken(ctx))

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: failed to send request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("%w: unexpected status code: %d, body: %s", ErrTransport, resp.StatusCode, msg)
	}
	if resp.Body == http.NoBody {
		return false, fmt.Errorf("%w: response has no body", ErrTransport)
	}

	c.setState(models.StateStreaming)

	// The idle timer cancels the request context, which unblocks the pending body read.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(readCtx, func() { resp.Body.Close() })
	defer stop()
	ir := newIdleReader(resp.Body, c.readTimeout, cancel)
	defer ir.Stop()

	for delta, err := range Deltas(ir) {
		if err != nil {
			if ir.TimedOut() {
				err = fmt.Errorf("no data for %s: %w", c.readTimeout, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("%w: %w", ctxErr, err)
			}
			return produced, fmt.Errorf("%w: failed to read stream: %w", ErrTransport, err)
		}
		c.appendDelta(delta)
		produced = true
	}

	return produced, nil
}

func (c *Coordinator) accessToken(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		c.logger.Warn("Failed to read access token", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	return token
}

func (c *Coordinator) appendDelta(delta string) {
	c.mu.Lock()
	n := len(c.transcript)
	// The exchange that owns the stream created the trailing assistant message, if any.
	if n > 0 && c.transcript[n-1].Role == models.RoleAssistant {
		c.transcript[n-1].Content += delta
	} else {
		c.transcript = append(c.transcript, models.Message{Role: models.RoleAssistant, Content: delta})
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) appendFallback() {
	c.mu.Lock()
	c.transcript = append(c.transcript, models.Message{Role: models.RoleAssistant, Content: FallbackReply})
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) setState(s models.ExchangeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.publish()
}

// Cancel aborts the in-flight exchange, if any. The exchange settles with its partial content kept.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// ClearTranscript empties the transcript. It returns ErrBusy while an exchange is in flight.
func (c *Coordinator) ClearTranscript() error {
	c.mu.Lock()
	if c.state != models.StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.transcript = nil
	c.lastErr = nil
	c.mu.Unlock()
	c.publish()
	return nil
}

// ResetIdentity forgets the resolved identity, so the next exchange resolves it again. Call it once the
// identity behind the IdentityResolver has been cleared or replaced.
func (c *Coordinator) ResetIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = ""
}

// SetLanguage changes the language hint sent with subsequent requests.
func (c *Coordinator) SetLanguage(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = lang
}

// Transcript returns a copy of the conversation so far.
func (c *Coordinator) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// State returns the current exchange state.
func (c *Coordinator) State() models.ExchangeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		State:    c.state,
		Messages: slices.Clone(c.transcript),
		Err:      c.lastErr,
	}
}

// Subscribe registers fn to receive a Snapshot after every change. fn is called synchronously from the
// goroutine running the exchange, in change order, and must not call back into the Coordinator's
// mutating methods. The returned function removes the subscription.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Coordinator) publish() {
	snap := c.Snapshot()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, fn := range c.subscribers {
		fn(snap)
	}
}

const errLoggerKey = "err"
