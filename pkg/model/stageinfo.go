package model

// FileStageInfo ties one remote reference to its local counterpart for the
// duration of a launch. For inputs LocalPath is where the file was staged; for
// outputs RemoteRef is the upload destination.
type FileStageInfo struct {
	Identifier  string `json:"identifier"`
	RemoteRef   string `json:"remote_ref"`
	LocalPath   string `json:"local_path"`
	IsDirectory bool   `json:"is_directory,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}
