// Package storageclient implements the Storage Client (C3): five HTTP
// JSON RPCs against the remote storage manager. No retry policy lives
// here; the orchestrator owns compensation (spec §4.3, §7).
package storageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/nova/internal/vmerr"
)

// Client talks to a storage manager over HTTP JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client bound to addr (e.g. "http://storage-mgr:8080").
func New(addr string, timeout time.Duration) *Client {
	return &Client{
		baseURL: addr,
		http:    &http.Client{Timeout: timeout},
	}
}

// HealthCheck issues GET /api/v1 and fails unless the response is 2xx, per
// spec §4.8's bootstrap health-check requirement.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1", nil)
	if err != nil {
		return vmerr.Wrap(vmerr.KindHTTPRPC, "build health check request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return vmerr.Wrap(vmerr.KindHTTPRPC, "storage manager health check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return vmerr.New(vmerr.KindHTTPRPC, fmt.Sprintf("storage manager health check returned %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerde, "marshal storage request", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return vmerr.Wrap(vmerr.KindStorageRPC, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return vmerr.Wrap(vmerr.KindStorageRPC, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return vmerr.New(vmerr.KindStorageRPC, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(b)))
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return vmerr.Wrap(vmerr.KindSerde, "decode storage response", err)
		}
	}
	return nil
}

// CreateVolumeRequest/Response model POST /api/v1/volume.
type CreateVolumeRequest struct {
	Size   int32  `json:"size"`
	Parent string `json:"parent,omitempty"`
}

type VolumeResponse struct {
	Volume string `json:"volume"`
}

func (c *Client) CreateVolume(ctx context.Context, sizeMiB int32, parent string) (string, error) {
	var resp VolumeResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/volume", CreateVolumeRequest{Size: sizeMiB, Parent: parent}, &resp)
	return resp.Volume, err
}

func (c *Client) DeleteVolume(ctx context.Context, volume string) error {
	var resp VolumeResponse
	return c.call(ctx, http.MethodDelete, "/api/v1/volume", VolumeResponse{Volume: volume}, &resp)
}

type AttachResponse struct {
	Device string `json:"device"`
}

func (c *Client) AttachVolume(ctx context.Context, volume string) (string, error) {
	var resp AttachResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/volume/attach", VolumeResponse{Volume: volume}, &resp)
	return resp.Device, err
}

func (c *Client) DetachVolume(ctx context.Context, volume string) error {
	var resp VolumeResponse
	return c.call(ctx, http.MethodPost, "/api/v1/volume/detach", VolumeResponse{Volume: volume}, &resp)
}

type SnapshotRequest struct {
	Volume   string `json:"volume"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (c *Client) CreateVolumeSnapshot(ctx context.Context, volume string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/snapshot", SnapshotRequest{Volume: volume}, nil)
}

func (c *Client) DeleteVolumeSnapshot(ctx context.Context, volume, snapshot string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/snapshot", SnapshotRequest{Volume: volume, Snapshot: snapshot}, nil)
}
