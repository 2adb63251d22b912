package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: User & Auth module errors
// 12000-12999: Task & Pipeline module errors
// 13000-13999: Judge adapter errors
// 14000-14999: LLM provider errors
// 15000-15999: Workspace errors
// 16000-16999: Admin, Permission & Gate errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	Cancelled           ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Configuration & secrets (10400-10499)
	ConfigError      ErrorCode = 10400
	EncryptionFailed ErrorCode = 10401
	DecryptionFailed ErrorCode = 10402

	// ========== User & Auth Module Errors (11000-11999) ==========

	// Authentication (11000-11099)
	InvalidCredentials    ErrorCode = 11000
	UserNotFound          ErrorCode = 11001
	PasswordIncorrect     ErrorCode = 11002
	TokenExpired          ErrorCode = 11003
	TokenInvalid          ErrorCode = 11004
	TokenGenerationFailed ErrorCode = 11005

	// Registration (11100-11199)
	UsernameAlreadyExists ErrorCode = 11100
	InvalidUsername       ErrorCode = 11101
	InvalidPassword       ErrorCode = 11102
	InviteCodeRequired    ErrorCode = 11103
	InviteCodeInvalid     ErrorCode = 11104
	InviteCodeUsed        ErrorCode = 11105
	InvalidEmail          ErrorCode = 11106

	// User operations (11200-11299)
	AccountSuspended ErrorCode = 11200
	UserUpdateFailed ErrorCode = 11201

	// ========== Task & Pipeline Module Errors (12000-12999) ==========

	// Task basic (12000-12099)
	TaskNotFound     ErrorCode = 12000
	TaskAccessDenied ErrorCode = 12001
	TaskCreateFailed ErrorCode = 12002
	TaskDeleteFailed ErrorCode = 12003
	TaskNotRetryable ErrorCode = 12004
	TaskStillRunning ErrorCode = 12005
	ProblemNotFound  ErrorCode = 12006
	InvalidStageName ErrorCode = 12007

	// Batch intake (12100-12199)
	InvalidProblemRef ErrorCode = 12100
	EmptyBatch        ErrorCode = 12101
	QueueFull         ErrorCode = 12102
	NoStagesEnabled   ErrorCode = 12103

	// Stage outcomes (12200-12299)
	StageExhausted   ErrorCode = 12200
	GenInsufficient  ErrorCode = 12201
	UploadNoID       ErrorCode = 12202
	SolveWrongAnswer ErrorCode = 12203
	SolveRuntime     ErrorCode = 12204
	SolveCompile     ErrorCode = 12205

	// Local execution (12300-12399)
	LocalCompileFailed ErrorCode = 12300
	LocalRunFailed     ErrorCode = 12301
	GeneratorInvalid   ErrorCode = 12302

	// ========== Judge Adapter Errors (13000-13999) ==========

	// Resolution (13000-13099)
	AdapterNotFound      ErrorCode = 13000
	AdapterNotCapable    ErrorCode = 13001
	AdapterConfigMissing ErrorCode = 13002
	AdapterConfigInvalid ErrorCode = 13003

	// Remote interaction (13100-13199)
	AdapterAuthFailed    ErrorCode = 13100
	RemoteNotFound       ErrorCode = 13101
	AdapterParseFailed   ErrorCode = 13102
	AdapterBadData       ErrorCode = 13103
	AdapterDuplicate     ErrorCode = 13104
	AdapterTransient     ErrorCode = 13105
	AdapterRateLimited   ErrorCode = 13106
	AdapterUpstreamError ErrorCode = 13107

	// Submission (13200-13299)
	SubmitFailed     ErrorCode = 13200
	JudgePollTimeout ErrorCode = 13201

	// ========== LLM Provider Errors (14000-14999) ==========

	LLMProviderNotFound ErrorCode = 14000
	LLMNotConfigured    ErrorCode = 14001
	LLMAuthFailed       ErrorCode = 14100
	LLMRateLimited      ErrorCode = 14101
	LLMTransient        ErrorCode = 14102
	LLMBadResponse      ErrorCode = 14103
	LLMTimeout          ErrorCode = 14104

	// ========== Workspace Errors (15000-15999) ==========

	WorkspaceError       ErrorCode = 15000
	StatementMissing     ErrorCode = 15001
	GeneratedDataMissing ErrorCode = 15002
	SnapshotFailed       ErrorCode = 15003
	ArchiveFailed        ErrorCode = 15004

	// ========== Admin, Permission & Gate Errors (16000-16999) ==========

	PermissionDenied       ErrorCode = 16000
	InsufficientPermission ErrorCode = 16001
	GateNotFound           ErrorCode = 16100
	GateConfigInvalid      ErrorCode = 16101
	PresetNotFound         ErrorCode = 16102
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	Cancelled:           "Operation cancelled",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Configuration & secrets
	ConfigError:      "Configuration error",
	EncryptionFailed: "Failed to encrypt value",
	DecryptionFailed: "Failed to decrypt value",

	// User - Authentication
	InvalidCredentials:    "Invalid username or password",
	UserNotFound:          "User not found",
	PasswordIncorrect:     "Incorrect password",
	TokenExpired:          "Token has expired",
	TokenInvalid:          "Invalid token",
	TokenGenerationFailed: "Failed to generate token",

	// User - Registration
	UsernameAlreadyExists: "Username already exists",
	InvalidUsername:       "Invalid username format",
	InvalidPassword:       "Invalid password format",
	InviteCodeRequired:    "Invite code is required",
	InviteCodeInvalid:     "Invalid invite code",
	InviteCodeUsed:        "Invite code has already been used",
	InvalidEmail:          "Invalid email address",

	// User - Operations
	AccountSuspended: "Account has been suspended",
	UserUpdateFailed: "Failed to update user",

	// Task
	TaskNotFound:     "Task not found",
	TaskAccessDenied: "Access to this task is denied",
	TaskCreateFailed: "Failed to create task",
	TaskDeleteFailed: "Failed to delete task",
	TaskNotRetryable: "Task is not in a retryable state",
	TaskStillRunning: "Task is still running",
	ProblemNotFound:  "Problem not found in task",
	InvalidStageName: "Invalid stage name",

	// Batch intake
	InvalidProblemRef: "Problem reference could not be parsed",
	EmptyBatch:        "Task contains no problems",
	QueueFull:         "Admission queue is full, please try again later",
	NoStagesEnabled:   "No pipeline stages enabled",

	// Stage outcomes
	StageExhausted:   "Stage retries exhausted",
	GenInsufficient:  "Generated too few valid test cases",
	UploadNoID:       "Upload succeeded but no problem id could be determined",
	SolveWrongAnswer: "Reference solution got wrong answer",
	SolveRuntime:     "Reference solution failed at runtime",
	SolveCompile:     "Reference solution failed to compile",

	// Local execution
	LocalCompileFailed: "Local compilation failed",
	LocalRunFailed:     "Local execution failed",
	GeneratorInvalid:   "Generator script produced invalid output",

	// Adapter - Resolution
	AdapterNotFound:      "Adapter not found",
	AdapterNotCapable:    "Adapter does not support this capability",
	AdapterConfigMissing: "Adapter is not configured for this user",
	AdapterConfigInvalid: "Adapter configuration is invalid",

	// Adapter - Remote
	AdapterAuthFailed:    "Judge authentication failed",
	RemoteNotFound:       "Problem not found on remote judge",
	AdapterParseFailed:   "Failed to parse remote judge response",
	AdapterBadData:       "Remote judge rejected the data",
	AdapterDuplicate:     "Problem already exists on remote judge",
	AdapterTransient:     "Transient network error talking to remote judge",
	AdapterRateLimited:   "Remote judge rate limit hit",
	AdapterUpstreamError: "Remote judge server error",

	// Adapter - Submission
	SubmitFailed:     "Failed to submit solution",
	JudgePollTimeout: "Timed out waiting for judge verdict",

	// LLM
	LLMProviderNotFound: "LLM provider not found",
	LLMNotConfigured:    "LLM provider is not configured",
	LLMAuthFailed:       "LLM provider rejected the credentials",
	LLMRateLimited:      "LLM provider rate limit hit",
	LLMTransient:        "Transient network error talking to LLM provider",
	LLMBadResponse:      "LLM returned an unusable response",
	LLMTimeout:          "LLM request timed out",

	// Workspace
	WorkspaceError:       "Workspace operation failed",
	StatementMissing:     "Workspace has no statement",
	GeneratedDataMissing: "Workspace has no generated data",
	SnapshotFailed:       "Failed to build workspace snapshot",
	ArchiveFailed:        "Failed to archive workspace",

	// Permission & Gates
	PermissionDenied:       "Permission denied",
	InsufficientPermission: "Insufficient permission",
	GateNotFound:           "Concurrency gate not found",
	GateConfigInvalid:      "Invalid concurrency configuration",
	PresetNotFound:         "Concurrency preset not found",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == UserNotFound, c == TaskNotFound, c == ProblemNotFound,
		c == AdapterNotFound, c == LLMProviderNotFound, c == GateNotFound, c == PresetNotFound:
		return 404
	case c == TokenGenerationFailed:
		return 500
	case c >= 11000 && c < 11100: // Authentication errors
		return 401
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == TaskAccessDenied, c == AccountSuspended, c >= 16000 && c < 16100:
		return 403
	case c == TooManyRequests, c == QueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidProblemRef, c == EmptyBatch,
		c == NoStagesEnabled, c == InvalidStageName, c == GateConfigInvalid,
		c == InvalidUsername, c == InvalidPassword, c == InvalidEmail,
		c == InviteCodeRequired, c == InviteCodeInvalid, c == AdapterNotCapable,
		c == AdapterConfigMissing, c == AdapterConfigInvalid, c == LLMNotConfigured:
		return 400
	case c == RecordAlreadyExists, c == UsernameAlreadyExists, c == InviteCodeUsed,
		c == TaskNotRetryable, c == TaskStillRunning:
		return 409
	default:
		return 500
	}
}
