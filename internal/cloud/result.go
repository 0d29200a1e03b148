package cloud

// Result is the typed outcome of a sync pass. Exactly one of the three
// shapes applies: success with transfer counts, conflicts requiring user
// resolution, or failure with a message. Conflicts are a first-class
// return value, not an error.
type Result struct {
	Success    bool
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  []ConflictInfo
	Message    string
}

// SuccessResult builds a successful outcome.
func SuccessResult(uploaded, downloaded, deleted int) Result {
	return Result{
		Success:    true,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Deleted:    deleted,
	}
}

// FailureResult builds a failed outcome. The manifest is never rewritten
// on failure.
func FailureResult(message string) Result {
	return Result{Message: message}
}

// ConflictResult builds an outcome that aborted on conflicts before any
// transfer ran.
func ConflictResult(conflicts []ConflictInfo) Result {
	return Result{Conflicts: conflicts}
}

// HasConflicts reports whether the caller must resolve before syncing again.
func (r Result) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// Stage identifies the phase a progress callback refers to.
type Stage int

// Sync stages with their percent ranges: detect local 0-20, detect remote
// 20-40, upload 40-60, download 60-80, delete 80-95, complete 100.
const (
	StageDetectingLocal Stage = iota
	StageDetectingRemote
	StageUploading
	StageDownloading
	StageDeleting
	StageComplete
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageDetectingLocal:
		return "detecting-local"
	case StageDetectingRemote:
		return "detecting-remote"
	case StageUploading:
		return "uploading"
	case StageDownloading:
		return "downloading"
	case StageDeleting:
		return "deleting"
	case StageComplete:
		return "complete"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// Progress is one progress report during a sync pass.
type Progress struct {
	Stage   Stage
	Current int
	Total   int
	Percent int
	Message string
}

// ProgressFunc receives progress reports. Callbacks must be cheap; they
// run inline with the sync.
type ProgressFunc func(Progress)

// ResolutionKind enumerates the user's options for one conflict.
type ResolutionKind int

const (
	// KeepLocal uploads the local version, overwriting remote.
	KeepLocal ResolutionKind = iota
	// KeepRemote downloads the remote version, overwriting local.
	KeepRemote
	// MergeContent writes caller-provided content locally and uploads it.
	MergeContent
	// KeepBoth saves the remote version to a conflict sidecar file and
	// uploads the local version as-is.
	KeepBoth
	// Skip leaves everything untouched, including the manifest.
	Skip
)

// Resolution is the user's decision for one conflict.
type Resolution struct {
	Kind ResolutionKind
	// Merged is the content written and uploaded for MergeContent.
	Merged string
}

// ResolutionOutcome reports what a resolution did.
type ResolutionOutcome struct {
	Path         string
	Resolved     bool
	ConflictFile string // sidecar path created by KeepBoth
	Message      string
}
