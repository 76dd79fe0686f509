package core

// ExitCode is the outcome of one orchestration call.
// Every command terminates with exactly one of these values; the numeric value is the
// process exit status.
type ExitCode int

// ExitCode values
const (
	Success                    ExitCode = 0
	TestsFailed                ExitCode = 1
	HelpShown                  ExitCode = 2
	InvalidArguments           ExitCode = 3
	PackageNotFound            ExitCode = 4
	TimedOut                   ExitCode = 70
	GeneralFailure             ExitCode = 71
	PackageInstallationFailure ExitCode = 78
	AppCrash                   ExitCode = 80
	DeviceNotFound             ExitCode = 81
	ReturnCodeNotSet           ExitCode = 82
	AppLaunchFailure           ExitCode = 83
	PackageInstallationTimeout ExitCode = 86
	AppNotSigned               ExitCode = 87
	SimulatorFailure           ExitCode = 88
	DeviceFailure              ExitCode = 89
	AppLaunchTimeout           ExitCode = 90
	TCPConnectionFailed        ExitCode = 92
)

var exitCodeNames = map[ExitCode]string{
	Success:                    "SUCCESS",
	TestsFailed:                "TESTS_FAILED",
	HelpShown:                  "HELP_SHOWN",
	InvalidArguments:           "INVALID_ARGUMENTS",
	PackageNotFound:            "PACKAGE_NOT_FOUND",
	TimedOut:                   "TIMED_OUT",
	GeneralFailure:             "GENERAL_FAILURE",
	PackageInstallationFailure: "PACKAGE_INSTALLATION_FAILURE",
	AppCrash:                   "APP_CRASH",
	DeviceNotFound:             "DEVICE_NOT_FOUND",
	ReturnCodeNotSet:           "RETURN_CODE_NOT_SET",
	AppLaunchFailure:           "APP_LAUNCH_FAILURE",
	PackageInstallationTimeout: "PACKAGE_INSTALLATION_TIMEOUT",
	AppNotSigned:               "APP_NOT_SIGNED",
	SimulatorFailure:           "SIMULATOR_FAILURE",
	DeviceFailure:              "DEVICE_FAILURE",
	AppLaunchTimeout:           "APP_LAUNCH_TIMEOUT",
	TCPConnectionFailed:        "TCP_CONNECTION_FAILED",
}

// String returns the upper-snake name of the exit code.
func (c ExitCode) String() string {
	if name, ok := exitCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid reports whether c belongs to the closed set.
func (c ExitCode) IsValid() bool {
	_, ok := exitCodeNames[c]
	return ok
}

// ParseExitCode resolves an upper-snake exit code name.
func ParseExitCode(s string) (ExitCode, bool) {
	for code, name := range exitCodeNames {
		if name == s {
			return code, true
		}
	}
	return 0, false
}

// TestExecutingResult is the outcome reported by an app tester.
type TestExecutingResult int

const (
	TestSucceeded      TestExecutingResult = iota // All tests passed
	TestFailed                                    // Tests ran, some failed
	TestCrashed                                   // App died before reporting
	TestLaunchFailure                             // App never started
	TestLaunchTimedOut                            // App did not start within the launch window
	TestTimedOut                                  // Tests did not finish within the timeout
)

// String returns the string representation of TestExecutingResult
func (r TestExecutingResult) String() string {
	switch r {
	case TestSucceeded:
		return "succeeded"
	case TestFailed:
		return "failed"
	case TestCrashed:
		return "crashed"
	case TestLaunchFailure:
		return "launch failure"
	case TestLaunchTimedOut:
		return "launch timed out"
	case TestTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// ProcessExecutionResult is the outcome of one native tool invocation.
type ProcessExecutionResult struct {
	ExitCode int
	TimedOut bool
}

// Succeeded returns true if the process exited with 0 before its timeout.
func (r ProcessExecutionResult) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// KnownIssue is a log-matched failure classification.
type KnownIssue struct {
	HumanMessage      string
	IssueLink         string    // Optional
	SuggestedExitCode *ExitCode // Optional
}

// ExitCodeOr returns the suggested exit code, or fallback when none is set.
func (k KnownIssue) ExitCodeOr(fallback ExitCode) ExitCode {
	if k.SuggestedExitCode != nil {
		return *k.SuggestedExitCode
	}
	return fallback
}

// Suggest returns a pointer to c, for building KnownIssue literals.
func Suggest(c ExitCode) *ExitCode {
	return &c
}
