package config

const (
	defaultConfigRoot      = "~/.config/capstan"
	defaultCacheDir        = "~/.cache/capstan"
	defaultLogDir          = "~/.local/share/capstan/logs"
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
	defaultPythonVersion   = "3.11"
	defaultServicePort     = 18765
	defaultHealthTTLMS     = 5000
	defaultStartAttempts   = 20
	defaultStartIntervalMS = 300
	defaultProbeTimeoutMS  = 1000
	defaultChunkKiB        = 64
	defaultTimeoutSeconds  = 0
)

var defaultHubCacheDirs = []string{
	"~/.cache/huggingface/hub",
	"~/.cache/modelscope/hub",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	hubDirs := make([]string, len(defaultHubCacheDirs))
	copy(hubDirs, defaultHubCacheDirs)

	return Config{
		Paths: Paths{
			ConfigRoot:   defaultConfigRoot,
			CacheDir:     defaultCacheDir,
			LogDir:       defaultLogDir,
			HubCacheDirs: hubDirs,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Runtime: Runtime{
			PythonVersion: defaultPythonVersion,
		},
		Service: Service{
			Port:            defaultServicePort,
			HealthTTLMS:     defaultHealthTTLMS,
			StartAttempts:   defaultStartAttempts,
			StartIntervalMS: defaultStartIntervalMS,
			ProbeTimeoutMS:  defaultProbeTimeoutMS,
		},
		Download: Download{
			ChunkKiB:       defaultChunkKiB,
			TimeoutSeconds: defaultTimeoutSeconds,
		},
	}
}
