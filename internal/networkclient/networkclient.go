// Package networkclient implements the Network Client (C4): provisioning a
// per-VM tap interface descriptor. The default implementation shells out to
// host networking tools, grounded on the teacher's bridge/tap provisioning
// idiom; an HTTP-backed implementation is also provided for parity with a
// real network manager service.
package networkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oriys/nova/internal/vmerr"
)

// Iface is the descriptor the orchestrator threads into the machine agent's
// boot config.
type Iface struct {
	GuestMAC    string `json:"guest_mac"`
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	RxRateLimit *int64 `json:"rx,omitempty"`
	TxRateLimit *int64 `json:"tx,omitempty"`
}

// Client provisions and tears down network interfaces for VMs.
type Client interface {
	CreateInterface(ctx context.Context, tapID string) (Iface, error)
	DeleteInterface(ctx context.Context, tapID string) error
}

// HostScriptClient is the reference implementation: it (re)creates a bridge
// and a per-VM tap device via `ip`/`iptables`, grounded on the teacher's
// ensureBridge/createTAP (internal/firecracker/network.go, pre-transform).
type HostScriptClient struct {
	bridgeName  string
	subnet      string
	mu          sync.Mutex
	bridgeReady atomic.Bool
}

// NewHostScriptClient constructs a client that manages bridge bridgeName
// with the fixed host-side address 172.16.0.1/30 per VM's /30, matching
// original_source/src/network_mgr.rs's mock script.
func NewHostScriptClient(bridgeName string) *HostScriptClient {
	return &HostScriptClient{bridgeName: bridgeName, subnet: "172.16.0.0/24"}
}

func (c *HostScriptClient) ensureBridge() error {
	if c.bridgeReady.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridgeReady.Load() {
		return nil
	}

	if _, err := exec.Command("ip", "link", "show", c.bridgeName).Output(); err != nil {
		if out, err := exec.Command("ip", "link", "add", c.bridgeName, "type", "bridge").CombinedOutput(); err != nil {
			return vmerr.Wrap(vmerr.KindNetworkProvision, "create bridge: "+string(out), err)
		}
	}
	if out, err := exec.Command("ip", "link", "set", c.bridgeName, "up").CombinedOutput(); err != nil {
		return vmerr.Wrap(vmerr.KindNetworkProvision, "bring up bridge: "+string(out), err)
	}
	if out, err := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", c.subnet, "-j", "MASQUERADE").CombinedOutput(); err != nil {
		if out, err := exec.Command("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", c.subnet, "-j", "MASQUERADE").CombinedOutput(); err != nil {
			return vmerr.Wrap(vmerr.KindNetworkProvision, "setup nat: "+string(out), err)
		}
		_ = out
	}

	c.bridgeReady.Store(true)
	return nil
}

// CreateInterface (re)creates tap<tapID>, assigns 172.16.0.1/30, attaches
// it to the bridge and brings it up; ensureBridge adds a MASQUERADE rule
// for the bridge subnet. It does not enable IP forwarding and installs no
// FORWARD rules.
func (c *HostScriptClient) CreateInterface(ctx context.Context, tapID string) (Iface, error) {
	if err := c.ensureBridge(); err != nil {
		return Iface{}, err
	}

	tap := "tap" + tapID
	// Recreate unconditionally: tolerate a stale device from a prior run.
	exec.Command("ip", "link", "del", tap).Run()

	if out, err := exec.Command("ip", "tuntap", "add", tap, "mode", "tap").CombinedOutput(); err != nil {
		return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "create tap: "+string(out), err)
	}
	if out, err := exec.Command("ip", "addr", "add", "172.16.0.1/30", "dev", tap).CombinedOutput(); err != nil {
		if !strings.Contains(string(out), "File exists") {
			exec.Command("ip", "link", "del", tap).Run()
			return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "assign tap address: "+string(out), err)
		}
	}
	if out, err := exec.Command("ip", "link", "set", tap, "master", c.bridgeName).CombinedOutput(); err != nil {
		exec.Command("ip", "link", "del", tap).Run()
		return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "attach tap to bridge: "+string(out), err)
	}
	if out, err := exec.Command("ip", "link", "set", tap, "up").CombinedOutput(); err != nil {
		exec.Command("ip", "link", "del", tap).Run()
		return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "bring up tap: "+string(out), err)
	}

	return Iface{
		GuestMAC:    generateMAC(tapID),
		IfaceID:     "eth0",
		HostDevName: tap,
	}, nil
}

// DeleteInterface tears down the tap device created by CreateInterface.
// Best-effort: it never fails the caller, matching the teacher's deleteTAP.
func (c *HostScriptClient) DeleteInterface(ctx context.Context, tapID string) error {
	if tapID == "" {
		return nil
	}
	exec.Command("ip", "link", "del", "tap"+tapID).Run()
	return nil
}

func generateMAC(seed string) string {
	h := 0
	for _, r := range seed {
		h = h*31 + int(r)
	}
	return fmt.Sprintf("02:FC:00:%02X:%02X:%02X", (h>>16)&0xFF, (h>>8)&0xFF, h&0xFF)
}

// HTTPClient talks to a real network manager service over HTTP JSON,
// matching original_source/src/network_mgr.rs's RPC-backed mode.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs an HTTP-backed network client against addr.
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{baseURL: addr, http: &http.Client{}}
}

// HealthCheck issues GET /api/v1 per spec §4.8.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1", nil)
	if err != nil {
		return vmerr.Wrap(vmerr.KindHTTPRPC, "build health check request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return vmerr.Wrap(vmerr.KindHTTPRPC, "network manager health check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return vmerr.New(vmerr.KindHTTPRPC, fmt.Sprintf("network manager health check returned %d", resp.StatusCode))
	}
	return nil
}

type createInterfaceRequest struct {
	TapID string `json:"tap_id"`
}

func (c *HTTPClient) CreateInterface(ctx context.Context, tapID string) (Iface, error) {
	data, err := json.Marshal(createInterfaceRequest{TapID: tapID})
	if err != nil {
		return Iface{}, vmerr.Wrap(vmerr.KindSerde, "marshal network request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/interface", bytes.NewReader(data))
	if err != nil {
		return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Iface{}, vmerr.Wrap(vmerr.KindNetworkProvision, "create interface rpc", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Iface{}, vmerr.New(vmerr.KindNetworkProvision, fmt.Sprintf("status %d: %s", resp.StatusCode, string(b)))
	}
	var iface Iface
	if err := json.NewDecoder(resp.Body).Decode(&iface); err != nil {
		return Iface{}, vmerr.Wrap(vmerr.KindSerde, "decode network response", err)
	}
	return iface, nil
}

// DeleteInterface issues DELETE /api/v1/interface/{tap_id} to the remote
// network manager, the RPC-backed counterpart of HostScriptClient's local
// `ip link del`.
func (c *HTTPClient) DeleteInterface(ctx context.Context, tapID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/interface/"+tapID, nil)
	if err != nil {
		return vmerr.Wrap(vmerr.KindNetworkProvision, "build delete interface request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return vmerr.Wrap(vmerr.KindNetworkProvision, "delete interface rpc", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return vmerr.New(vmerr.KindNetworkProvision, fmt.Sprintf("delete interface status %d: %s", resp.StatusCode, string(b)))
	}
	return nil
}
