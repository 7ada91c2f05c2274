package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scripted replays canned replies in order and records every request.
// It fails once the script is exhausted.
type Scripted struct {
	mu       sync.Mutex
	replies  []string
	errs     map[int]error
	requests []Request
}

// NewScripted returns a gateway that answers with replies in order.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies, errs: map[int]error{}}
}

// FailAt makes call number n (0-based) return err instead of a reply.
func (s *Scripted) FailAt(n int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[n] = err
	return s
}

// Complete records req and returns the next reply.
func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.requests)
	s.requests = append(s.requests, req)
	if err, ok := s.errs[n]; ok {
		return "", err
	}
	if n >= len(s.replies) {
		return "", fmt.Errorf("scripted gateway exhausted after %d replies", len(s.replies))
	}
	return s.replies[n], nil
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many requests were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// replayFile is the on-disk replay format:
//
//	replies:
//	  - "first reply"
//	  - "second reply"
type replayFile struct {
	Replies []string `yaml:"replies"`
}

// LoadScript reads a replay file. A bare YAML (or JSON) list of strings is
// also accepted.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}

	var rf replayFile
	if err := yaml.Unmarshal(data, &rf); err != nil || len(rf.Replies) == 0 {
		var list []string
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			if err == nil {
				err = lerr
			}
			return nil, fmt.Errorf("parse replay file %s: %w", path, err)
		}
		rf.Replies = list
	}
	if len(rf.Replies) == 0 {
		return nil, fmt.Errorf("replay file %s has no replies", path)
	}
	return NewScripted(rf.Replies...), nil
}

var _ Gateway = (*Scripted)(nil)
