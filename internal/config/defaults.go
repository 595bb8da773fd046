package config

const (
	defaultConfigPath          = "~/.config/sshmux/config.toml"
	defaultControlDir          = "~/.ssh/sshmux"
	defaultPathTemplate        = "%C"
	defaultControlPersist      = "yes"
	defaultSSHBinary           = "ssh"
	defaultKnownHosts          = "add"
	defaultConnectTimeout      = 10
	defaultStartupTimeout      = 30
	defaultInitialBackoffMS    = 20
	defaultMaxBackoffMS        = 1000
	defaultBackoffMultiplier   = 2.0
	defaultTerminateOnRelease  = true
	defaultShutdownTimeout     = 5
	defaultMaxFrameBytes       = 256 * 1024
	minFrameBytes              = 1024
	maxFrameBytes              = 16 * 1024 * 1024
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
	defaultServerAliveInterval = 0
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Control: Control{
			Dir:          defaultControlDir,
			PathTemplate: defaultPathTemplate,
			Persist:      defaultControlPersist,
		},
		SSH: SSH{
			Binary:              defaultSSHBinary,
			KnownHosts:          defaultKnownHosts,
			ConnectTimeout:      defaultConnectTimeout,
			ServerAliveInterval: defaultServerAliveInterval,
		},
		Lifecycle: Lifecycle{
			StartupTimeout:     defaultStartupTimeout,
			InitialBackoffMS:   defaultInitialBackoffMS,
			MaxBackoffMS:       defaultMaxBackoffMS,
			BackoffMultiplier:  defaultBackoffMultiplier,
			TerminateOnRelease: defaultTerminateOnRelease,
			ShutdownTimeout:    defaultShutdownTimeout,
		},
		Protocol: Protocol{
			MaxFrameBytes: defaultMaxFrameBytes,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		State: State{
			DBPath: defaultStateDBPath(),
		},
	}
}
