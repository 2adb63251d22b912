package errors

// Kind is the coarse classification of an error as stored on a problem row
// and surfaced through the event stream. Kinds are stable strings; codes are
// internal.
type Kind string

const (
	KindNone             Kind = ""
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindTimeout          Kind = "timeout"
	KindUpstream5xx      Kind = "5xx"
	KindAuth             Kind = "auth"
	KindNotFound         Kind = "not_found"
	KindParse            Kind = "parse"
	KindBadData          Kind = "bad_data"
	KindForbidden        Kind = "forbidden"
	KindDuplicate        Kind = "duplicate"
	KindGenInsufficient  Kind = "gen_insufficient"
	KindSolveWrongAnswer Kind = "solve_wrong_answer"
	KindSolveRuntime     Kind = "solve_runtime"
	KindSolveCompile     Kind = "solve_compile"
	KindUploadNoID       Kind = "upload_no_id"
	KindStageExhausted   Kind = "stage_exhausted"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

var kindByCode = map[ErrorCode]Kind{
	Timeout:              KindTimeout,
	Cancelled:            KindCancelled,
	Forbidden:            KindForbidden,
	AdapterAuthFailed:    KindAuth,
	InvalidCredentials:   KindAuth,
	LLMAuthFailed:        KindAuth,
	RemoteNotFound:       KindNotFound,
	NotFound:             KindNotFound,
	AdapterParseFailed:   KindParse,
	LLMBadResponse:       KindParse,
	AdapterBadData:       KindBadData,
	GeneratorInvalid:     KindBadData,
	AdapterDuplicate:     KindDuplicate,
	AdapterTransient:     KindTransientNetwork,
	LLMTransient:         KindTransientNetwork,
	AdapterRateLimited:   KindRateLimited,
	LLMRateLimited:       KindRateLimited,
	LLMTimeout:           KindTimeout,
	JudgePollTimeout:     KindTimeout,
	AdapterUpstreamError: KindUpstream5xx,
	GenInsufficient:      KindGenInsufficient,
	SolveWrongAnswer:     KindSolveWrongAnswer,
	SolveRuntime:         KindSolveRuntime,
	SolveCompile:         KindSolveCompile,
	UploadNoID:           KindUploadNoID,
	StageExhausted:       KindStageExhausted,
}

// KindOf maps any error to its stable kind string. Unknown errors are
// classified internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if kind, ok := kindByCode[GetCode(err)]; ok {
		return kind
	}
	return KindInternal
}

// IsRetryable reports whether the error is transient enough for the pipeline
// to retry the stage automatically.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited, KindTimeout, KindUpstream5xx:
		return true
	}
	return false
}
