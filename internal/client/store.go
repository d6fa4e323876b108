package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	qatrack_errors "qatrack/pkg/errors"
)

var (
	ErrTooManyFiles      = qatrack_errors.Validation(qatrack_errors.CodeBadRequest, "too many files are uploading at once")
	ErrUnknownAttachment = qatrack_errors.NotFound("attachment is not tracked")
	ErrAlreadyCompleted  = qatrack_errors.SessionState(nil, "attachment completed before it could be removed")
)

// Store is the single source of truth for the attachments of one editing
// session. Every mutation is a named transition; reads return copies.
type Store struct {
	mu       sync.RWMutex
	items    map[string]*Attachment
	order    []string
	onChange func(Attachment)
}

// NewStore creates an empty store. onChange, if set, receives a copy after every
// transition and must not call back into the store.
func NewStore(onChange func(Attachment)) *Store {
	return &Store{items: make(map[string]*Attachment), onChange: onChange}
}

func invalid(a *Attachment, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", qatrack_errors.ErrInvalidTransition, a.ID, a.Status, to)
}

// add tracks a new pending attachment unless maxActive pending or uploading
// attachments already exist. maxActive <= 0 means no limit.
func (s *Store) add(a Attachment, maxActive int) error {
	s.mu.Lock()
	if maxActive > 0 {
		active := 0
		for _, it := range s.items {
			if it.Status == StatusPending || it.Status == StatusUploading {
				active++
			}
		}
		if active >= maxActive {
			s.mu.Unlock()
			return ErrTooManyFiles
		}
	}
	a.Status = StatusPending
	a.Progress = 0
	s.items[a.ID] = &a
	s.order = append(s.order, a.ID)
	snapshot := copyAttachment(&a)
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// mutate applies fn to the attachment under the write lock and publishes the result.
func (s *Store) mutate(id string, fn func(a *Attachment) error) error {
	s.mu.Lock()
	a, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAttachment
	}
	if err := fn(a); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := copyAttachment(a)
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

func (s *Store) begin(id string) error {
	return s.mutate(id, func(a *Attachment) error {
		if a.Status != StatusPending {
			return invalid(a, string(StatusUploading))
		}
		a.Status = StatusUploading
		return nil
	})
}

func (s *Store) sessionCreated(id, storageKey, uploadID string, partNumbers []int32) error {
	return s.mutate(id, func(a *Attachment) error {
		if a.Status != StatusUploading || a.UploadID != "" {
			return invalid(a, "session")
		}
		a.StorageKey = storageKey
		a.UploadID = uploadID
		a.Parts = make([]Part, 0, len(partNumbers))
		for _, n := range partNumbers {
			a.Parts = append(a.Parts, Part{Number: n, Status: PartPending})
		}
		return nil
	})
}

func (s *Store) partStarted(id string, number int32) error {
	return s.mutatePart(id, number, func(a *Attachment, p *Part) error {
		if p.Status != PartPending {
			return invalid(a, fmt.Sprintf("part %d uploading", number))
		}
		p.Status = PartUploading
		return nil
	})
}

// partDone records the etag and recomputes progress. Progress is held at 99
// until the upload is completed on the server.
func (s *Store) partDone(id string, number int32, etag string) error {
	return s.mutatePart(id, number, func(a *Attachment, p *Part) error {
		if p.Status != PartUploading || etag == "" {
			return invalid(a, fmt.Sprintf("part %d done", number))
		}
		p.Status = PartDone
		p.ETag = etag

		i := sort.Search(len(a.UploadedParts), func(i int) bool { return a.UploadedParts[i] >= number })
		a.UploadedParts = append(a.UploadedParts, 0)
		copy(a.UploadedParts[i+1:], a.UploadedParts[i:])
		a.UploadedParts[i] = number

		progress := len(a.UploadedParts) * 100 / len(a.Parts)
		if progress > 99 {
			progress = 99
		}
		if progress > a.Progress {
			a.Progress = progress
		}
		return nil
	})
}

func (s *Store) partFailed(id string, number int32) error {
	return s.mutatePart(id, number, func(a *Attachment, p *Part) error {
		if p.Status != PartUploading {
			return invalid(a, fmt.Sprintf("part %d failed", number))
		}
		p.Status = PartFailed
		return nil
	})
}

func (s *Store) mutatePart(id string, number int32, fn func(a *Attachment, p *Part) error) error {
	return s.mutate(id, func(a *Attachment) error {
		if a.Status != StatusUploading {
			return invalid(a, fmt.Sprintf("part %d", number))
		}
		for i := range a.Parts {
			if a.Parts[i].Number == number {
				return fn(a, &a.Parts[i])
			}
		}
		return invalid(a, fmt.Sprintf("unknown part %d", number))
	})
}

// complete requires every part to be done.
func (s *Store) complete(id, attachmentID string) error {
	return s.mutate(id, func(a *Attachment) error {
		if a.Status != StatusUploading || a.StorageKey == "" || len(a.Parts) == 0 {
			return invalid(a, string(StatusCompleted))
		}
		for _, p := range a.Parts {
			if p.Status != PartDone {
				return invalid(a, string(StatusCompleted))
			}
		}
		a.Status = StatusCompleted
		a.Progress = 100
		a.AttachmentID = attachmentID
		return nil
	})
}

func (s *Store) fail(id string, cause error) error {
	return s.mutate(id, func(a *Attachment) error {
		if a.Status.Terminal() {
			return invalid(a, string(StatusError))
		}
		a.Status = StatusError
		a.Err = cause
		a.Error = messageOf(cause)
		return nil
	})
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) Get(id string) (Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return Attachment{}, false
	}
	return copyAttachment(a), true
}

// List returns every tracked attachment in the order it was added.
func (s *Store) List() []Attachment {
	return s.filter(func(*Attachment) bool { return true })
}

func (s *Store) Completed() []Attachment {
	return s.filter(func(a *Attachment) bool { return a.Status == StatusCompleted })
}

// Handoff lists the completed uploads in the shape the entity save flow links.
func (s *Store) Handoff() []LinkedFile {
	completed := s.Completed()
	out := make([]LinkedFile, 0, len(completed))
	for _, a := range completed {
		out = append(out, LinkedFile{
			StorageKey: a.StorageKey,
			FileName:   a.FileName,
			MimeType:   a.MimeType,
			FieldName:  a.FieldName,
		})
	}
	return out
}

func (s *Store) filter(keep func(*Attachment) bool) []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, 0, len(s.order))
	for _, id := range s.order {
		if a := s.items[id]; keep(a) {
			out = append(out, copyAttachment(a))
		}
	}
	return out
}

func (s *Store) notify(a Attachment) {
	if s.onChange != nil {
		s.onChange(a)
	}
}

func copyAttachment(a *Attachment) Attachment {
	out := *a
	out.Parts = append([]Part(nil), a.Parts...)
	out.UploadedParts = append([]int32(nil), a.UploadedParts...)
	return out
}

// messageOf keeps a tagged error's own message so server text survives verbatim.
func messageOf(err error) string {
	if err == nil {
		return ""
	}
	var tagged *qatrack_errors.Error
	if errors.As(err, &tagged) {
		return tagged.Message
	}
	return err.Error()
}
