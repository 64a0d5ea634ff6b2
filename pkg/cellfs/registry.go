package cellfs

// Registry holds the one mounted filesystem.
type Registry struct {
	current *FS
}

// Replace mounts fs and returns the filesystem it replaces, or nil.
// Handles from the old filesystem stay valid only while its blob does;
// callers can check old.Outstanding before closing it.
func (r *Registry) Replace(fs *FS) *FS {
	old := r.current
	r.current = fs
	return old
}

// Current returns the mounted filesystem, or nil.
func (r *Registry) Current() *FS {
	return r.current
}

// Open looks name up in the mounted filesystem.
func (r *Registry) Open(name string) (*Handle, error) {
	if r.current == nil {
		return nil, ErrNoFilesystem
	}
	return r.current.Open(name)
}
