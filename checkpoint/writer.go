package checkpoint

import "os"

const (
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// Writer is the storage backend the manager persists artifacts through.
type Writer interface {
	MkdirAll(path string) error
	WriteFile(path string, data []byte) error
}

type osWriter struct{}

func (osWriter) MkdirAll(path string) error {
	return os.MkdirAll(path, dirPermissions)
}

func (osWriter) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, filePermissions)
}
