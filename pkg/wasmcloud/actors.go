package wasmcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// RuntimeClient is the surface the reconciliation engine drives actors
// through. Implemented by Client; faked in tests.
type RuntimeClient interface {
	StartActor(ctx context.Context, intent models.ActorIntent) (*models.ActorHandle, error)
	StopActor(ctx context.Context, handle *models.ActorHandle) error
	QueryHealth(ctx context.Context, handle *models.ActorHandle) (models.HealthState, error)
	ActorLogs(ctx context.Context, handle *models.ActorHandle, tailLines int) (io.ReadCloser, error)
}

var _ RuntimeClient = (*Client)(nil)

type startRequest struct {
	Ref       string            `json:"ref"`
	PublicKey string            `json:"public_key,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Links     []linkRequest     `json:"links,omitempty"`
}

type linkRequest struct {
	Contract string            `json:"contract"`
	Binding  string            `json:"binding,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
}

type startResponse struct {
	ActorID string `json:"actor_id"`
}

// StartActor starts the actor described by the intent and configures its
// capability links. The host deduplicates by reference and link
// configuration, so re-issuing an identical start returns the existing
// actor rather than a duplicate.
func (c *Client) StartActor(ctx context.Context, intent models.ActorIntent) (*models.ActorHandle, error) {
	req := startRequest{
		Ref:       intent.Module.String(),
		PublicKey: intent.PublicKey,
		Env:       intent.Env,
	}
	caps := make([]string, 0, len(intent.Bindings))
	for _, b := range intent.Bindings {
		contract, err := b.Kind.Contract()
		if err != nil {
			return nil, models.NewRuntimeError(models.CapabilityUnavailable, "start actor", err)
		}
		caps = append(caps, contract)
		req.Links = append(req.Links, linkRequest{
			Contract: contract,
			Binding:  b.BindingName,
			Values:   b.Values,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling start request: %w", err)
	}

	var out startResponse
	err = c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPost, "/api/v1/actors", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return decodeJSON(resp, &out)
		case resp.StatusCode == http.StatusBadRequest:
			return models.NewRuntimeError(models.InvalidModule, "start actor", errorBody(resp))
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return models.NewRuntimeError(models.CapabilityUnavailable, "start actor", errorBody(resp))
		default:
			return models.NewRuntimeError(models.RuntimeUnreachable, "start actor", errorBody(resp))
		}
	})
	if err != nil {
		return nil, err
	}
	if out.ActorID == "" {
		return nil, models.NewRuntimeError(models.InvalidModule, "start actor",
			fmt.Errorf("host returned no actor id for %s", intent.Module))
	}

	return &models.ActorHandle{
		ActorID:       out.ActorID,
		ContainerName: intent.ContainerName,
		IntentHash:    intent.Hash(),
		HTTPPort:      intent.HTTPPort,
		Health:        models.HealthStarting,
		Capabilities:  caps,
		StartedAt:     time.Now(),
	}, nil
}

// StopActor stops the actor and removes its capability links. Stopping an
// actor the host no longer knows about is not an error.
func (c *Client) StopActor(ctx context.Context, handle *models.ActorHandle) error {
	return c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodDelete, "/api/v1/actors/"+url.PathEscape(handle.ActorID), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			return models.NewRuntimeError(models.RuntimeUnreachable, "stop actor", errorBody(resp))
		}
	})
}

type healthResponse struct {
	State string `json:"state"`
}

// QueryHealth returns the host's view of the actor. An unknown actor
// reports Stopped.
func (c *Client) QueryHealth(ctx context.Context, handle *models.ActorHandle) (models.HealthState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/actors/"+url.PathEscape(handle.ActorID)+"/health", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.HealthStopped, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", models.NewRuntimeError(models.RuntimeUnreachable, "query health", errorBody(resp))
	}

	var out healthResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	switch out.State {
	case "starting":
		return models.HealthStarting, nil
	case "healthy":
		return models.HealthHealthy, nil
	case "unhealthy":
		return models.HealthUnhealthy, nil
	case "stopped":
		return models.HealthStopped, nil
	default:
		return "", fmt.Errorf("unknown health state %q", out.State)
	}
}

// ActorLogs streams the actor's logging-capability output. The caller owns
// the returned reader.
func (c *Client) ActorLogs(ctx context.Context, handle *models.ActorHandle, tailLines int) (io.ReadCloser, error) {
	path := "/api/v1/actors/" + url.PathEscape(handle.ActorID) + "/logs"
	if tailLines > 0 {
		path += "?tail=" + strconv.Itoa(tailLines)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, models.NewRuntimeError(models.RuntimeUnreachable, "actor logs", errorBody(resp))
	}
	return resp.Body, nil
}
