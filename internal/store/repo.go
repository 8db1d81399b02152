package store

import "errors"

// ErrNotFound marks a missing record.
var ErrNotFound = errors.New("not found")

// Repo is the record repository: whole-document get/put with atomic replace
// semantics on the file-backed implementation.
type Repo interface {
	// Root is the project root directory (synthetic for in-memory repos).
	Root() string
	Project() (*Doc, error)
	Workstreams() ([]*Doc, error)
	Jobs() ([]*Doc, error)
	// JobsOf lists jobs belonging to one workstream.
	JobsOf(workstreamID string) ([]*Doc, error)
	Job(id string) (*Doc, error)
	// JobDir resolves the directory of a job id and fails when zero or
	// several directories match.
	JobDir(id string) (string, error)
	// WorkstreamFor returns the workstream containing a job.
	WorkstreamFor(jobID string) (*Doc, error)
	Put(doc *Doc) error
}
