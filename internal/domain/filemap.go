package domain

// DownloadResult maps original catalog filenames to downloaded local paths for
// one product group of one observation.
type DownloadResult struct {
	ObsID string
	Kind  ProductKind
	Files map[string]string
	Bytes int64
}

// ObservationResult joins the image and weight results of one observation.
type ObservationResult struct {
	ObsID   string
	Images  DownloadResult
	Weights DownloadResult
}

// FileMap is the union of every observation's downloads.
type FileMap struct {
	Images  map[string]string
	Weights map[string]string
}

func NewFileMap() FileMap {
	return FileMap{Images: map[string]string{}, Weights: map[string]string{}}
}

func (m FileMap) Len() int {
	return len(m.Images) + len(m.Weights)
}

// Combined flattens both maps into one filename -> path mapping.
func (m FileMap) Combined() map[string]string {
	out := make(map[string]string, m.Len())
	for k, v := range m.Images {
		out[k] = v
	}
	for k, v := range m.Weights {
		out[k] = v
	}
	return out
}

// Submission records what the job runner started. Only acceptance is tracked.
type Submission struct {
	Executor   string
	JobID      string
	ScriptPath string
	ExitCode   int
}
