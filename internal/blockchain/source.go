package blockchain

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

	"github.com/core-coin/pecunia/pkg/logger"
)

var ErrSourceRejected = errors.New("notification source rejected request")

// SourceClient registers deposit addresses with the external chain
// notification provider over its REST API.
type SourceClient struct {
	logger  *logger.Logger
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSourceClient(baseURL, apiKey string, logger *logger.Logger) *SourceClient {
	return &SourceClient{
		logger:  logger.Named("source"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type subscribeRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Asset   string `json:"asset"`
}

type subscribeResponse struct {
	ID string `json:"id"`
}

func (s *SourceClient) Subscribe(ctx context.Context, address, chain, asset string) (string, error) {
	body, err := json.Marshal(subscribeRequest{Address: address, Chain: chain, Asset: asset})
	if err != nil {
		return "", err
	}
	resp, err := s.do(ctx, http.MethodPost, s.baseURL+"/subscriptions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out subscribeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode subscription response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty subscription id", ErrSourceRejected)
	}
	s.logger.Debug("Subscribed address", "address", address, "chain", chain, "subscription", out.ID)
	return out.ID, nil
}

func (s *SourceClient) Unsubscribe(ctx context.Context, subscriptionID string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.baseURL+"/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		// Already gone upstream.
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

var errNotFound = errors.New("not found")

func (s *SourceClient) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notification source %s: %w", method, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %d %s", ErrSourceRejected, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
