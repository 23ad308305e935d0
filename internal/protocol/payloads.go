package protocol

import "github.com/TimWhiting/dart-custom-lint/internal/diag"

// ContextRoot is one analysis root assigned by the host. Replaced wholesale
// on every analysis.setContextRoots request.
type ContextRoot struct {
	Root        string   `json:"root"`
	Exclude     []string `json:"exclude,omitempty"`
	OptionsFile string   `json:"optionsFile,omitempty"`
}

// VersionCheckParams is sent by the host (and relayed to the worker) exactly
// once per connection.
type VersionCheckParams struct {
	// Version is the caller's protocol version.
	Version string `json:"version"`
	// SDKPath locates the analysis SDK the host runs against.
	SDKPath string `json:"sdkPath,omitempty"`
}

// VersionCheckResult is the handshake reply.
type VersionCheckResult struct {
	IsCompatible bool   `json:"isCompatible"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	ContactInfo  string `json:"contactInfo,omitempty"`
	// InterestingFiles lists glob patterns for the file extensions the
	// plugin wants to analyze.
	InterestingFiles []string `json:"interestingFiles,omitempty"`
}

// WorkerHello is the first message a worker sends after spawn: its protocol
// version range and file interests. The channel validates compatibility
// before completing the handshake.
type WorkerHello struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	MinServerVersion string   `json:"minServerVersion,omitempty"`
	InterestingFiles []string `json:"interestingFiles,omitempty"`
}

// SetContextRootsParams replaces the worker's context roots.
type SetContextRootsParams struct {
	Roots []ContextRoot `json:"roots"`
}

// AwaitAnalysisDoneParams asks the worker to block until quiescent.
type AwaitAnalysisDoneParams struct {
	// Reload triggers a full re-lint of every tracked document first.
	Reload bool `json:"reload"`
}

// SetConfigParams updates worker-side configuration.
type SetConfigParams struct {
	IncludeBuiltInLints bool `json:"includeBuiltInLints"`
}

// GetFixesParams requests fixes at an offset in a document.
type GetFixesParams struct {
	Path   string `json:"file"`
	Offset int    `json:"offset"`
}

// DiagnosticFixes pairs one diagnostic with its suggested fixes.
type DiagnosticFixes struct {
	Diagnostic diag.Diagnostic `json:"error"`
	Fixes      []diag.Fix      `json:"fixes,omitempty"`
}

// GetFixesResult lists fixes for diagnostics covering the request offset.
type GetFixesResult struct {
	Fixes []DiagnosticFixes `json:"fixes"`
}

// AnalysisErrorsParams is the diagnostic-batch notification for one path.
type AnalysisErrorsParams struct {
	Path   string            `json:"file"`
	Errors []diag.Diagnostic `json:"errors"`
}

// PluginErrorParams reports a plugin-originated error to the host.
type PluginErrorParams struct {
	IsFatal    bool   `json:"isFatal"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// PrintParams relays captured plugin output lines to the host.
type PrintParams struct {
	Message string `json:"message"`
}
