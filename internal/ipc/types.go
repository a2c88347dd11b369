package ipc

import (
	"capstan/internal/api"
	"capstan/internal/engine"
	"capstan/internal/oplog"
	"capstan/internal/progress"
)

type PingRequest struct{}

type PingResponse struct {
	Message string `json:"message"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Status api.DaemonStatus `json:"status"`
}

type EnvStatusRequest struct {
	Backend string `json:"backend"`
}

type EnvStatusResponse struct {
	Backend api.BackendStatus `json:"backend"`
}

type InstallRequest struct {
	Backend string `json:"backend"`
	Variant string `json:"variant"`
}

type InstallResponse struct{}

type SwitchRequest struct {
	Backend string `json:"backend"`
	Variant string `json:"variant"`
}

type SwitchResponse struct{}

type UninstallRequest struct {
	Backend string `json:"backend"`
	Variant string `json:"variant"`
}

type UninstallResponse struct{}

type VerifyRequest struct {
	Backend string `json:"backend"`
	Variant string `json:"variant"`
}

type VerifyResponse struct{}

type DownloadRequest struct {
	Backend string `json:"backend"`
}

type DownloadResponse struct{}

type DeleteModelRequest struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

type DeleteModelResponse struct{}

type ModelsRequest struct {
	Backend string `json:"backend"`
}

type ModelsResponse struct {
	Models []engine.ModelState `json:"models"`
}

type TranscribeRequest struct {
	Backend string                   `json:"backend"`
	Request engine.TranscribeRequest `json:"request"`
}

type TranscribeResponse struct {
	Result engine.TranscribeResult `json:"result"`
}

type CorrectEntryRequest struct {
	Backend string                     `json:"backend"`
	Entry   engine.CorrectEntryRequest `json:"entry"`
}

type CorrectEntryResponse struct {
	Result engine.CorrectionResult `json:"result"`
}

type CorrectBatchRequest struct {
	Backend   string                   `json:"backend"`
	AudioPath string                   `json:"audio_path"`
	Entries   []engine.CorrectionEntry `json:"entries"`
}

type CorrectBatchResponse struct {
	Results []engine.CorrectionResult `json:"results"`
}

type CancelRequest struct {
	Backend string `json:"backend"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type HistoryRequest struct {
	Backend string `json:"backend,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type HistoryResponse struct {
	Entries []oplog.Entry `json:"entries"`
}

type ServiceStopRequest struct {
	Backend string `json:"backend"`
}

type ServiceStopResponse struct{}

type PreloadAudioRequest struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

type PreloadAudioResponse struct{}

type ProgressRequest struct {
	Backend string `json:"backend"`
}

type ProgressResponse struct {
	Message progress.Message `json:"message"`
}
