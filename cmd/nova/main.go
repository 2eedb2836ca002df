// Command nova is the VM pool orchestrator's control-plane daemon and a
// small operator CLI for driving its HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/api"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/vmpool"
)

func bootstrapPool(ctx context.Context, cfg *config.Config) (*vmpool.Pool, error) {
	return vmpool.Bootstrap(ctx, cfg)
}

func startServer(cfg *config.Config, pool *vmpool.Pool) *http.Server {
	return api.StartHTTPServer(cfg.Addr(), api.ServerConfig{Pool: pool})
}

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "nova",
		Short: "VM pool orchestrator control plane",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:58890", "control-plane API address")

	root.AddCommand(serveCmd())
	root.AddCommand(createCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(deleteCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	if err := observability.Init(ctx, observability.Config{
		Enabled:     os.Getenv("OTEL_ENABLED") == "true",
		Exporter:    "otlp-http",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: "nova",
		SampleRate:  1.0,
	}); err != nil {
		logging.Op().Warn("telemetry init failed", "error", err)
	}
	metrics.InitPrometheus("nova", nil)

	pool, err := bootstrapPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	server := startServer(cfg, pool)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Op().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func createCmd() *cobra.Command {
	var memMiB, vcpu, volumeMiB int32
	var kernelName, kernelVersion string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"config": map[string]any{
					"memory_size_in_mib": memMiB,
					"vcpu_count":         vcpu,
					"kernel_name":        kernelName,
					"kernel_version":     kernelVersion,
					"volume_size_in_mib": volumeMiB,
				},
			}
			var resp map[string]any
			if err := apiCall(cmd.Context(), http.MethodPost, "/api/v1/vm", body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().Int32Var(&memMiB, "memory-mib", 256, "memory size in MiB")
	cmd.Flags().Int32Var(&vcpu, "vcpus", 1, "vcpu count")
	cmd.Flags().Int32Var(&volumeMiB, "volume-mib", 1024, "root volume size in MiB")
	cmd.Flags().StringVar(&kernelName, "kernel-name", "", "kernel name")
	cmd.Flags().StringVar(&kernelVersion, "kernel-version", "", "kernel version")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [vmid]",
		Short: "Get VM status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := apiCall(cmd.Context(), http.MethodGet, "/api/v1/vm/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [vmid]",
		Short: "Delete a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"vmid": args[0]}
			var resp map[string]any
			if err := apiCall(cmd.Context(), http.MethodDelete, "/api/v1/vm/delete", body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func apiCall(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
