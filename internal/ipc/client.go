package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"capstan/internal/engine"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping() (*PingResponse, error) {
	var resp PingResponse
	if err := c.client.Call("Capstan.Ping", PingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Capstan.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnvStatus retrieves one backend's environment status.
func (c *Client) EnvStatus(backend string) (*EnvStatusResponse, error) {
	var resp EnvStatusResponse
	if err := c.client.Call("Capstan.EnvStatus", EnvStatusRequest{Backend: backend}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Install provisions a backend variant.
func (c *Client) Install(backend, variant string) error {
	var resp InstallResponse
	return c.client.Call("Capstan.Install", InstallRequest{Backend: backend, Variant: variant}, &resp)
}

// Switch activates an installed variant.
func (c *Client) Switch(backend, variant string) error {
	var resp SwitchResponse
	return c.client.Call("Capstan.Switch", SwitchRequest{Backend: backend, Variant: variant}, &resp)
}

// Uninstall removes a variant's environment.
func (c *Client) Uninstall(backend, variant string) error {
	var resp UninstallResponse
	return c.client.Call("Capstan.Uninstall", UninstallRequest{Backend: backend, Variant: variant}, &resp)
}

// Verify runs the interpreter-backed readiness check.
func (c *Client) Verify(backend, variant string) error {
	var resp VerifyResponse
	return c.client.Call("Capstan.Verify", VerifyRequest{Backend: backend, Variant: variant}, &resp)
}

// Download fetches a backend's model files.
func (c *Client) Download(backend string) error {
	var resp DownloadResponse
	return c.client.Call("Capstan.Download", DownloadRequest{Backend: backend}, &resp)
}

// DeleteModel removes a cached model.
func (c *Client) DeleteModel(backend, model string) error {
	var resp DeleteModelResponse
	return c.client.Call("Capstan.DeleteModel", DeleteModelRequest{Backend: backend, Model: model}, &resp)
}

// Models lists a backend's catalog models with download state.
func (c *Client) Models(backend string) (*ModelsResponse, error) {
	var resp ModelsResponse
	if err := c.client.Call("Capstan.Models", ModelsRequest{Backend: backend}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transcribe runs a one-shot transcription.
func (c *Client) Transcribe(backend string, req engine.TranscribeRequest) (*TranscribeResponse, error) {
	var resp TranscribeResponse
	if err := c.client.Call("Capstan.Transcribe", TranscribeRequest{Backend: backend, Request: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CorrectBatch corrects subtitle entries in one worker run.
func (c *Client) CorrectBatch(backend, audioPath string, entries []engine.CorrectionEntry) (*CorrectBatchResponse, error) {
	var resp CorrectBatchResponse
	req := CorrectBatchRequest{Backend: backend, AudioPath: audioPath, Entries: entries}
	if err := c.client.Call("Capstan.CorrectBatch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Correct corrects a single entry through the persistent service.
func (c *Client) Correct(backend string, entry engine.CorrectEntryRequest) (*CorrectEntryResponse, error) {
	var resp CorrectEntryResponse
	if err := c.client.Call("Capstan.Correct", CorrectEntryRequest{Backend: backend, Entry: entry}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a backend's running operation.
func (c *Client) Cancel(backend string) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.client.Call("Capstan.Cancel", CancelRequest{Backend: backend}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns recent operations, optionally filtered to one backend.
func (c *Client) History(backend string, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.client.Call("Capstan.History", HistoryRequest{Backend: backend, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServiceStop terminates a backend's persistent service.
func (c *Client) ServiceStop(backend string) error {
	var resp ServiceStopResponse
	return c.client.Call("Capstan.ServiceStop", ServiceStopRequest{Backend: backend}, &resp)
}

// PreloadAudio asks a backend's service to decode and cache one audio file.
func (c *Client) PreloadAudio(backend, path string) error {
	var resp PreloadAudioResponse
	return c.client.Call("Capstan.PreloadAudio", PreloadAudioRequest{Backend: backend, Path: path}, &resp)
}

// Progress returns the latest progress message observed for a backend.
func (c *Client) Progress(backend string) (*ProgressResponse, error) {
	var resp ProgressResponse
	if err := c.client.Call("Capstan.Progress", ProgressRequest{Backend: backend}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
