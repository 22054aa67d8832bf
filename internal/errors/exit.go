package errors

// CLI exit codes, sysexits(3)-aligned where one fits.
const (
	ExitOK              = 0
	ExitGeneralError    = 1
	ExitInvalidArgument = 2

	ExitFileNotFound               = 66
	ExitExternalServiceUnavailable = 69
	ExitFileWriteError             = 73
	ExitConfigError                = 78

	// 128 + SIGINT, the conventional interrupted-by-signal code.
	ExitSignalInt = 130
)
