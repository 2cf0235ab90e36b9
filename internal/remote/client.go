package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kiraleos/accountant-client/internal/store"
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Client talks to the accountant service. It keeps no state between calls
// and never retries; every failure is returned to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the service at baseURL. A zero timeout
// leaves requests bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP is used by tests to inject an httptest client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) SendMessage(ctx context.Context, threadID, message string) (*ChatResponse, error) {
	body, err := json.Marshal(chatRequest{ThreadID: threadID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessageWithAttachment(ctx context.Context, threadID, message string, att Attachment) (*ChatResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("thread_id", threadID); err != nil {
		return nil, fmt.Errorf("failed to write multipart field: %w", err)
	}
	if err := mw.WriteField("message", message); err != nil {
		return nil, fmt.Errorf("failed to write multipart field: %w", err)
	}
	part, err := mw.CreateFormFile("file", att.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat/upload", mw.FormDataContentType(), &buf, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FetchState(ctx context.Context, threadID string) (*StateResponse, error) {
	var wire stateWire
	if err := c.do(ctx, http.MethodGet, "/state/"+url.PathEscape(threadID), "", nil, &wire); err != nil {
		return nil, err
	}

	resp := wire.StateResponse
	resp.Accounts = make([]store.Account, 0, len(wire.Accounts))
	for name, acc := range wire.Accounts {
		currency := acc.Currency
		if currency == "" {
			currency = "USD"
		}
		resp.Accounts = append(resp.Accounts, store.Account{Name: name, Type: acc.Type, Balance: acc.Balance, Currency: currency})
	}
	slices.SortFunc(resp.Accounts, func(a, b store.Account) int { return strings.Compare(a.Name, b.Name) })
	return &resp, nil
}

// FetchMonthlySeries returns income and expenses per month. A zero year lets
// the service pick the current one.
func (c *Client) FetchMonthlySeries(ctx context.Context, threadID string, year int) (*MonthlySeries, error) {
	path := "/monthly-data/" + url.PathEscape(threadID)
	if year > 0 {
		path += "?year=" + strconv.Itoa(year)
	}
	var resp MonthlySeries
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTransactions returns one page of the thread's ledger, newest first.
// Rows are returned as synced: they come from the service's own ledger.
func (c *Client) FetchTransactions(ctx context.Context, threadID string, limit, offset int) (*TransactionPage, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	path := "/transactions/" + url.PathEscape(threadID) + "?" + query.Encode()

	var wire transactionsWire
	if err := c.do(ctx, http.MethodGet, path, "", nil, &wire); err != nil {
		return nil, err
	}

	page := &TransactionPage{Transactions: make([]store.Transaction, 0, len(wire.Transactions)), Count: wire.Count}
	for _, rt := range wire.Transactions {
		tx, err := rt.toStore(threadID)
		if err != nil {
			return nil, &RemoteError{StatusCode: http.StatusOK, Message: fmt.Sprintf("invalid transaction %s: %v", rt.ID, err)}
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

// ExportLedger streams the CSV export into w and returns the bytes copied.
func (c *Client) ExportLedger(ctx context.Context, threadID string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/export/"+url.PathEscape(threadID), "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: export interrupted: %v", ErrNetworkUnavailable, err)
	}
	return n, nil
}

func (c *Client) PushUnsyncedBatch(ctx context.Context, req SyncRequest) (*SyncAck, error) {
	body, err := json.Marshal(toWire(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}
	var ack SyncAck
	if err := c.do(ctx, http.MethodPost, "/sync", "application/json", bytes.NewReader(body), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Health checks that the service is reachable and answering.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{StatusCode: resp.StatusCode, Message: "invalid response body: " + err.Error()}
	}
	return nil
}

// send performs the request and returns the response only for 2xx statuses;
// the caller owns the body.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
	}
	return resp, nil
}

// errorMessage extracts FastAPI's {"detail": ...} when present.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && len(payload.Detail) > 0 {
		var detail string
		if json.Unmarshal(payload.Detail, &detail) == nil {
			return detail
		}
		return string(payload.Detail)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
