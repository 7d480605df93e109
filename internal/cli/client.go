package cli

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

	"chatvault/internal/servicetoken"
	"chatvault/pkg/domain"
)

const (
	importerAudience = "importer"
	cliIssuer        = "chatvault-cli"
)

type enqueueRequest struct {
	OwnerID     string `json:"ownerUserId"`
	ChatID      string `json:"chatId"`
	ArchivePath string `json:"archivePath"`
	ChatName    string `json:"chatName,omitempty"`
}

// importerClient calls the importer service's internal job API.
type importerClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func newImporterClient(baseURL, secret string) (*importerClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("importer URL required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid importer URL: %w", err)
	}
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		Secret: secret,
		Issuer: cliIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("service token: %w", err)
	}
	return &importerClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *importerClient) Enqueue(ctx context.Context, req enqueueRequest) (domain.ImportJob, error) {
	return c.do(ctx, http.MethodPost, "/imports/jobs", req)
}

func (c *importerClient) GetJob(ctx context.Context, id string) (domain.ImportJob, error) {
	return c.do(ctx, http.MethodGet, "/imports/jobs/"+url.PathEscape(id), nil)
}

func (c *importerClient) Cancel(ctx context.Context, id string) (domain.ImportJob, error) {
	return c.do(ctx, http.MethodPost, "/imports/jobs/"+url.PathEscape(id)+"/cancel", nil)
}

func (c *importerClient) do(ctx context.Context, method, path string, payload any) (domain.ImportJob, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.ImportJob{}, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.ImportJob{}, err
	}
	token, err := c.signer.Sign(importerAudience)
	if err != nil {
		return domain.ImportJob{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ImportJob{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ImportJob{}, err
	}
	// 409 carries the job of a cancel request that came too late.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return domain.ImportJob{}, fmt.Errorf("importer: %s (%s)", apiErr.Error, resp.Status)
		}
		return domain.ImportJob{}, fmt.Errorf("importer: %s", resp.Status)
	}
	var job domain.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.ImportJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
