package core

// Exit codes for the process.
// Signal-based exits follow the Unix convention of 128 + signal number.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeConfig is returned when configuration or startup validation fails.
	ExitCodeConfig = 2

	// ExitCodeModelLoad is returned when the diffusion model cannot be loaded.
	ExitCodeModelLoad = 3

	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeModelLoad:
		return "model load failure"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}

// ExitCodeFor maps a startup error to the exit code the process should use.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if _, ok := IsConfigError(err); ok {
		return ExitCodeConfig
	}
	return ExitCodeError
}
