// Package store is a typed facade over the record stores HTTP Data API.
// It owns the session token lifecycle and the retry/backoff policy; the
// calling components only ever see typed records and the error taxonomy
// in errors.go.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Store")

const maxRetryAttempts = 3

type (
	Config struct {
		BaseURL  string
		Username string
		Password string

		// RequestTimeout bounds each individual HTTP interaction; the
		// pagination helpers issue many such interactions.
		RequestTimeout time.Duration

		// RetryBackoffBase is the base for the exponential retry delay
		// (base * 2^attempt).
		RetryBackoffBase time.Duration
	}

	// Record is one document as returned by the store: the opaque handle
	// used for patching plus the raw field bag.
	Record struct {
		RecordKey string
		FieldData map[string]any
	}

	// Client is safe for parallel callers; each call owns its own HTTP
	// interaction and only the token refresh is serialised.
	Client struct {
		config     Config
		httpClient *http.Client

		tokenMutex sync.Mutex
		token      string
	}

	findRequest struct {
		Query  []map[string]string `json:"query"`
		Limit  int                 `json:"limit"`
		Offset int                 `json:"offset,omitempty"`
	}

	wireRecord struct {
		RecordID  string         `json:"recordId"`
		ModID     string         `json:"modId"`
		FieldData map[string]any `json:"fieldData"`
	}

	wireResponse struct {
		Response struct {
			Token        string       `json:"token"`
			ScriptResult string       `json:"scriptResult"`
			Data         []wireRecord `json:"data"`
		} `json:"response"`
		Messages []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"messages"`
	}
)

func New(config Config) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = time.Second * 30
	}
	if config.RetryBackoffBase == 0 {
		config.RetryBackoffBase = time.Millisecond * 500
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
	}
}

// Token returns the current session token. Step scripts receive this as
// their second argument so they can make their own writes to the store.
func (client *Client) Token() string {
	client.tokenMutex.Lock()
	defer client.tokenMutex.Unlock()

	return client.token
}

// Authenticate establishes a fresh session token. Callers rarely need
// this directly as every request authenticates lazily; it exists so that
// startup can fail fast on bad credentials.
func (client *Client) Authenticate(ctx context.Context) error {
	client.tokenMutex.Lock()
	defer client.tokenMutex.Unlock()

	return client.refreshTokenLocked(ctx)
}

// refreshTokenLocked performs the session handshake. The token mutex
// must be held by the caller; this serialises refreshes so concurrent
// 401s result in one handshake, not a stampede.
func (client *Client) refreshTokenLocked(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.BaseURL+"/sessions", bytes.NewReader([]byte("{}")))
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}

	request.Header.Set("Content-Type", "application/json")
	request.SetBasicAuth(client.config.Username, client.config.Password)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return &AuthError{Reason: fmt.Sprintf("failed to read session response: %s", err.Error())}
	}

	if response.StatusCode != http.StatusOK {
		return &AuthError{Reason: fmt.Sprintf("session handshake rejected (HTTP %d)", response.StatusCode)}
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &AuthError{Reason: fmt.Sprintf("session response could not be unmarshalled: %s", err.Error())}
	}

	if parsed.Response.Token == "" {
		return &AuthError{Reason: "session handshake returned no token"}
	}

	client.token = parsed.Response.Token
	log.Debugf("Session token refreshed\n")
	return nil
}

// doRequest performs one store interaction with the transversal policy
// applied: lazy authentication, one silent re-auth on 401, and bounded
// exponential backoff for transient classes. Writes (idempotent=false)
// are only retried while no HTTP response has been received, so a
// partially-applied write is never replayed.
func (client *Client) doRequest(ctx context.Context, method string, path string, payload any, idempotent bool) (*wireResponse, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &RequestError{Message: fmt.Sprintf("failed to encode request body: %s", err.Error())}
		}

		body = encoded
	}

	reauthed := false
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := client.config.RetryBackoffBase * (1 << (attempt - 1))
			log.Debugf("Retrying %s %s in %s (attempt %d/%d)\n", method, path, backoff, attempt+1, maxRetryAttempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &TransientError{Reason: ctx.Err().Error()}
			}
		}

		parsed, retryable, err := client.attempt(ctx, method, path, body)
		if err == nil {
			return parsed, nil
		}

		// An expired token is not a failure of the request itself; refresh
		// once and replay without consuming a retry attempt.
		if authErr, ok := err.(*AuthError); ok {
			if reauthed {
				return nil, authErr
			}

			reauthed = true
			client.tokenMutex.Lock()
			refreshErr := client.refreshTokenLocked(ctx)
			client.tokenMutex.Unlock()
			if refreshErr != nil {
				return nil, refreshErr
			}

			attempt--
			continue
		}

		lastErr = err
		if !retryable {
			return nil, err
		}
		if !idempotent {
			// A write is only replayed when the connection failed before
			// any response arrived; once the store has answered, a replay
			// risks doubling a partially-applied update.
			if transient, ok := err.(*TransientError); !ok || transient.HTTPCode != 0 {
				return nil, err
			}
		}
	}

	return nil, lastErr
}

// attempt performs a single HTTP interaction. The returned boolean
// reports whether the failure class is retryable.
func (client *Client) attempt(ctx context.Context, method string, path string, body []byte) (*wireResponse, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.config.BaseURL+path, reader)
	if err != nil {
		return nil, false, &RequestError{Message: err.Error()}
	}

	request.Header.Set("Content-Type", "application/json")
	if token := client.Token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		// Timeouts and connection resets land here; nothing reached the
		// store so even writes are safe to retry.
		return nil, true, &TransientError{Reason: err.Error()}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, true, &TransientError{Reason: fmt.Sprintf("failed to read response body: %s", err.Error())}
	}

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return nil, false, &AuthError{Reason: "session token rejected"}
	case response.StatusCode == http.StatusNotFound:
		return nil, false, &NotFoundError{}
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return nil, true, &TransientError{HTTPCode: response.StatusCode, Reason: http.StatusText(response.StatusCode)}
	case response.StatusCode < 200 || response.StatusCode > 299:
		code, message := storeMessage(responseBody)
		return nil, false, &RequestError{HTTPCode: response.StatusCode, StoreCode: code, Message: message}
	}

	var parsed wireResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return nil, false, &RequestError{HTTPCode: response.StatusCode, Message: fmt.Sprintf("response could not be unmarshalled: %s", err.Error())}
	}

	return &parsed, false, nil
}

func storeMessage(body []byte) (string, string) {
	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Messages) == 0 {
		return "-1", "non-success response could not be unmarshalled"
	}

	return parsed.Messages[0].Code, parsed.Messages[0].Message
}

func recordsFromWire(data []wireRecord) []Record {
	records := make([]Record, 0, len(data))
	for _, wire := range data {
		records = append(records, Record{RecordKey: wire.RecordID, FieldData: wire.FieldData})
	}

	return records
}
