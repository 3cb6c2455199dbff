package internal

import (
	"encoding/json"
	"strconv"
	"strings"
)

const branchRefPrefix = "refs/heads/"

// PushEvent is a normalized Git push notification. Optional string fields use
// the empty string for "absent" and are omitted when encoded.
type PushEvent struct {
	Ref        string     `json:"ref" yaml:"ref"`
	Deleted    bool       `json:"deleted" yaml:"deleted"`
	Repository Repository `json:"repository" yaml:"repository"`
	URL        string     `json:"url,omitempty" yaml:"url,omitempty"`
	Commits    []Commit   `json:"commits" yaml:"commits"`
}

// Repository identifies the repository that was pushed to.
type Repository struct {
	FullName string `json:"full_name" yaml:"full_name"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Commit is a single pushed commit.
type Commit struct {
	ID      string       `json:"id" yaml:"id"`
	Message string       `json:"message" yaml:"message"`
	Author  CommitAuthor `json:"author" yaml:"author"`
	URL     string       `json:"url,omitempty" yaml:"url,omitempty"`
}

// CommitAuthor is the author of a commit.
type CommitAuthor struct {
	Name string `json:"name" yaml:"name"`
}

// Abbrev returns the short form of the commit id.
func (c Commit) Abbrev() string {
	if len(c.ID) > 7 {
		return c.ID[:7]
	}
	return c.ID
}

// Branch returns the branch name when the push targets refs/heads/.
func (p PushEvent) Branch() (string, bool) {
	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, branchRefPrefix), true
}

// Clone returns a deep copy of p.
func (p PushEvent) Clone() PushEvent {
	out := p
	if p.Commits != nil {
		out.Commits = make([]Commit, len(p.Commits))
		copy(out.Commits, p.Commits)
	}
	return out
}

// Validate reports missing required fields.
func (p PushEvent) Validate() error {
	if p.Ref == "" {
		return &MalformedEventError{Field: "ref"}
	}
	if p.Repository.FullName == "" {
		return &MalformedEventError{Field: "repository.full_name"}
	}
	for i, c := range p.Commits {
		if c.ID == "" {
			return &MalformedEventError{Field: "commits[" + strconv.Itoa(i) + "].id"}
		}
	}
	return nil
}

// DecodePush decodes and validates a JSON push payload.
func DecodePush(data []byte) (PushEvent, error) {
	var push PushEvent
	if err := json.Unmarshal(data, &push); err != nil {
		return PushEvent{}, &MalformedEventError{Err: err}
	}
	if err := push.Validate(); err != nil {
		return PushEvent{}, err
	}
	return push, nil
}
