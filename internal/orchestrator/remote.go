package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/attendly/orchestrator-server-go/internal/errors"
	"github.com/attendly/orchestrator-server-go/internal/model"
)

// RemoteBackend drives a remote scheduler over its HTTP API:
//
//	POST   /workers            -> {"handle": "..."}
//	DELETE /workers/{handle}   -> 200/204 (404 treated as Ack)
//	GET    /workers/{handle}   -> {"liveness": "..."}
type RemoteBackend struct {
	baseURL string
	client  *http.Client
}

func NewRemoteBackend(baseURL string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	SessionID string             `json:"sessionId"`
	Config    model.WorkerConfig `json:"config"`
}

type startResponse struct {
	Handle string `json:"handle"`
}

func (b *RemoteBackend) Start(ctx context.Context, sessionID string, cfg model.WorkerConfig) (string, error) {
	if reason := ValidateConfig(cfg); reason != "" {
		return "", apperrors.InvalidConfig(reason)
	}

	body, err := json.Marshal(startRequest{SessionID: sessionID, Config: cfg})
	if err != nil {
		return "", apperrors.InvalidConfig(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/workers", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.BackendUnreachable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", apperrors.BackendUnreachable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var sr startResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil || sr.Handle == "" {
			return "", apperrors.BackendUnreachable(fmt.Errorf("scheduler returned no handle"))
		}
		return sr.Handle, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return "", apperrors.CapacityExhausted()
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.InvalidConfig(string(msg))
	default:
		return "", apperrors.BackendUnreachable(fmt.Errorf("scheduler status %d", resp.StatusCode))
	}
}

func (b *RemoteBackend) Stop(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.workerURL(handle), nil)
	if err != nil {
		return apperrors.BackendUnreachable(err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.BackendUnreachable(err)
	}
	defer resp.Body.Close()

	// 404 means the worker is already gone, which is what stop wants.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return apperrors.BackendUnreachable(fmt.Errorf("scheduler status %d", resp.StatusCode))
}

type inspectResponse struct {
	Liveness model.Liveness `json:"liveness"`
}

func (b *RemoteBackend) Inspect(ctx context.Context, handle string) (model.Liveness, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.workerURL(handle), nil)
	if err != nil {
		return model.LivenessUnknown, apperrors.BackendUnreachable(err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return model.LivenessUnknown, apperrors.BackendUnreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.LivenessUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return model.LivenessUnknown, apperrors.BackendUnreachable(fmt.Errorf("scheduler status %d", resp.StatusCode))
	}

	var ir inspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return model.LivenessUnknown, apperrors.BackendUnreachable(err)
	}
	return ir.Liveness, nil
}

func (b *RemoteBackend) workerURL(handle string) string {
	return b.baseURL + "/workers/" + url.PathEscape(handle)
}

var _ Facade = (*RemoteBackend)(nil)
