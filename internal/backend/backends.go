package backend

import (
	_ "embed"
	"fmt"
)

const (
	// Torch wheel indexes. The GPU index pins the CUDA build matching the
	// versions the backend packages are tested against.
	torchCPUIndexURL = "https://download.pytorch.org/whl/cpu"
	torchGPUIndexURL = "https://download.pytorch.org/whl/cu124"

	modelScopeURLTemplate = "https://modelscope.cn/models/%s/resolve/master/%s"
)

//go:embed scripts/whisper_worker.py
var whisperWorkerScript string

//go:embed scripts/sensevoice_worker.py
var sensevoiceWorkerScript string

//go:embed scripts/firered_worker.py
var fireredWorkerScript string

//go:embed scripts/firered_service.py
var fireredServiceScript string

// Whisper transcribes with faster-whisper. The worker downloads its model
// from the hub on first use, so the manifest is empty and model presence is
// probed in the hub cache instead.
var Whisper = Descriptor{
	ID:           "whisper",
	DisplayName:  "Whisper",
	MarkerImport: "faster_whisper",

	TorchPackages: []string{"torch", "torchaudio"},
	CPUIndexURL:   torchCPUIndexURL,
	GPUIndexURL:   torchGPUIndexURL,
	Packages:      []string{"faster-whisper"},

	ScriptNames:  []string{"whisper_worker.py"},
	WorkerScript: "whisper_worker.py",

	Bridge:         BridgePiped,
	ProgressStream: StreamStdout,

	Models: []Model{
		{Name: "tiny", DisplaySize: "75 MB", Repo: "Systran/faster-whisper-tiny", RequiredFiles: []string{"model.bin", "config.json"}, RealtimeFactor: 10},
		{Name: "base", DisplaySize: "142 MB", Repo: "Systran/faster-whisper-base", RequiredFiles: []string{"model.bin", "config.json"}, RealtimeFactor: 7},
		{Name: "small", DisplaySize: "461 MB", Repo: "Systran/faster-whisper-small", RequiredFiles: []string{"model.bin", "config.json"}, RealtimeFactor: 4},
		{Name: "medium", DisplaySize: "1.5 GB", Repo: "Systran/faster-whisper-medium", RequiredFiles: []string{"model.bin", "config.json"}, RealtimeFactor: 2},
		{Name: "large-v3", DisplaySize: "3.1 GB", Repo: "Systran/faster-whisper-large-v3", RequiredFiles: []string{"model.bin", "config.json"}, RealtimeFactor: 1.2},
	},
	Languages: []string{"auto", "zh", "en", "ja", "ko", "fr", "de", "es", "ru"},
}

// SenseVoice transcribes with FunASR's SenseVoiceSmall. capstan downloads
// the model files itself, resumably, from ModelScope.
var SenseVoice = Descriptor{
	ID:           "sensevoice",
	DisplayName:  "SenseVoice",
	MarkerImport: "funasr",

	TorchPackages: []string{"torch", "torchaudio"},
	CPUIndexURL:   torchCPUIndexURL,
	GPUIndexURL:   torchGPUIndexURL,
	Packages:      []string{"funasr", "modelscope", "pydub"},

	ScriptNames:  []string{"sensevoice_worker.py"},
	WorkerScript: "sensevoice_worker.py",

	Bridge:         BridgePiped,
	ProgressStream: StreamStderr,

	Manifest: []ModelFile{
		{Name: "model.pt", Size: 936291369, LFS: true},
		{Name: "chn_jpn_yue_eng_ko_spectok.bpe.model", Size: 377341, LFS: true},
		{Name: "configuration.json", Size: 396},
		{Name: "config.yaml", Size: 1855},
		{Name: "am.mvn", Size: 11203},
		{Name: "tokens.json", Size: 352064},
	},
	URLTemplate:  fmt.Sprintf(modelScopeURLTemplate, "iic/SenseVoiceSmall", "%s"),
	ModelDirName: "SenseVoiceSmall",

	Models: []Model{
		{Name: "SenseVoiceSmall", DisplaySize: "894 MB", Repo: "iic/SenseVoiceSmall", RequiredFiles: []string{"model.pt", "config.yaml"}},
	},
	Languages: []string{"auto", "zh", "en", "ja", "ko", "yue"},
}

// FireRed corrects subtitle text with FireRedASR-AED-L. One-shot runs use
// the polling-file bridge; interactive correction goes through a persistent
// service that keeps the model warm.
var FireRed = Descriptor{
	ID:           "firered",
	DisplayName:  "FireRed",
	MarkerImport: "fireredasr",

	TorchPackages: []string{"torch", "torchaudio"},
	CPUIndexURL:   torchCPUIndexURL,
	GPUIndexURL:   torchGPUIndexURL,
	Packages:      []string{"fireredasr", "pydub", "transformers", "sentencepiece", "modelscope"},

	ScriptNames:  []string{"firered_worker.py", "firered_service.py"},
	WorkerScript: "firered_worker.py",

	Bridge:         BridgePolling,
	ProgressEnvVar: "CAPSTAN_PROGRESS_FILE",

	Service: &ServiceSpec{
		ScriptName:       "firered_service.py",
		PreloadPath:      "/preload",
		PreloadAudioPath: "/preload_audio",
	},

	Manifest: []ModelFile{
		{Name: "model.pth.tar", Size: 4678597714, LFS: true},
		{Name: "train_bpe1000.model", Size: 251707, LFS: true},
		{Name: "cmvn.ark", Size: 1311, LFS: true},
		{Name: "dict.txt", Size: 71448},
		{Name: "cmvn.txt", Size: 2985},
		{Name: "configuration.json", Size: 86},
	},
	URLTemplate:  fmt.Sprintf(modelScopeURLTemplate, "FireRedTeam/FireRedASR-AED-L", "%s"),
	ModelDirName: "FireRedASR-AED-L",

	Models: []Model{
		{Name: "FireRedASR-AED-L", DisplaySize: "4.4 GB", Repo: "FireRedTeam/FireRedASR-AED-L", RequiredFiles: []string{"model.pth.tar", "cmvn.ark"}},
	},
	Languages: []string{"zh", "en"},
}

// All lists every backend capstan manages, in display order.
var All = []Descriptor{Whisper, SenseVoice, FireRed}

// ByID looks up a descriptor by identifier.
func ByID(id string) (Descriptor, bool) {
	for _, d := range All {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ScriptContent returns the embedded source for a generated worker script.
func ScriptContent(name string) (string, bool) {
	switch name {
	case "whisper_worker.py":
		return whisperWorkerScript, true
	case "sensevoice_worker.py":
		return sensevoiceWorkerScript, true
	case "firered_worker.py":
		return fireredWorkerScript, true
	case "firered_service.py":
		return fireredServiceScript, true
	default:
		return "", false
	}
}
