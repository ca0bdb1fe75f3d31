package numberprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// HTTPProvider talks to the remote number provisioning provider over its
// JSON API. Transient failures are retried with bounded exponential backoff.
type HTTPProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries uint64
}

// NewHTTPProvider creates a new HTTPProvider.
func NewHTTPProvider(logger *slog.Logger, baseURL, apiKey string, timeout time.Duration, maxRetries int, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPProvider{
		logger:     logger.With("provider", "http"),
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: uint64(maxRetries),
	}
}

func (p *HTTPProvider) GetName() string { return "http" }

type leaseNumbersRequest struct {
	Geography string `json:"geography"`
	Tier      string `json:"tier"`
	Count     int    `json:"count"`
}

type numberRecord struct {
	Number    string `json:"number"`
	Geography string `json:"geography"`
}

type leaseNumbersResponse struct {
	Numbers []numberRecord `json:"numbers"`
}

type releaseNumbersRequest struct {
	Numbers []string `json:"numbers"`
}

type inventoryResponse struct {
	Numbers []numberRecord `json:"numbers"`
}

func (p *HTTPProvider) LeaseNumbers(ctx context.Context, request LeaseRequestData) ([]domain.PhoneNumber, error) {
	body := leaseNumbersRequest{
		Geography: request.Geography,
		Tier:      string(request.Tier),
		Count:     request.Count,
	}

	var resp leaseNumbersResponse
	if err := p.doJSON(ctx, http.MethodPost, "/numbers/lease", body, &resp); err != nil {
		return nil, err
	}

	numbers := make([]domain.PhoneNumber, 0, len(resp.Numbers))
	for _, rec := range resp.Numbers {
		numbers = append(numbers, domain.PhoneNumber{
			Number:    rec.Number,
			Geography: rec.Geography,
			State:     domain.LeaseStateFree,
		})
	}
	p.logger.InfoContext(ctx, "Provider leased numbers", "requested", request.Count, "granted", len(numbers), "geography", request.Geography)
	return numbers, nil
}

func (p *HTTPProvider) ReleaseNumbers(ctx context.Context, numbers []string) error {
	if len(numbers) == 0 {
		return nil
	}
	if err := p.doJSON(ctx, http.MethodPost, "/numbers/release", releaseNumbersRequest{Numbers: numbers}, nil); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Provider released numbers", "count", len(numbers))
	return nil
}

func (p *HTTPProvider) ListInventory(ctx context.Context) ([]domain.PhoneNumber, error) {
	var resp inventoryResponse
	if err := p.doJSON(ctx, http.MethodGet, "/numbers/inventory", nil, &resp); err != nil {
		return nil, err
	}
	numbers := make([]domain.PhoneNumber, 0, len(resp.Numbers))
	for _, rec := range resp.Numbers {
		numbers = append(numbers, domain.PhoneNumber{
			Number:    rec.Number,
			Geography: rec.Geography,
			State:     domain.LeaseStateFree,
		})
	}
	return numbers, nil
}

func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health endpoint returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// doJSON performs one API call with retry. 5xx and transport errors are
// retried; 4xx responses are permanent.
func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	operation := func() error {
		var reader io.Reader
		if reqBody != nil {
			raw, err := json.Marshal(reqBody)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("marshal request for %s: %w", path, err))
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.logger.WarnContext(ctx, "Provider request failed, will retry", "path", path, "error", err)
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			p.logger.WarnContext(ctx, "Provider returned server error, will retry", "path", path, "status", resp.StatusCode)
			return fmt.Errorf("%w: provider returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("provider rejected %s: status %d: %s", path, resp.StatusCode, string(raw)))
		}

		if respBody != nil {
			if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response for %s: %w", path, err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	return backoff.Retry(operation, policy)
}
