package rehearsal

import "sync"

// Store holds notes, references, recordings and evaluations in memory.
// Every write replaces one field atomically; reads return copies.
type Store struct {
	notes          map[int]string
	references     map[int][]string
	noteRecordings map[int]*Recording
	pageMessages   map[int]string // Note transcription and translation failures

	recordings  map[Key]*Recording
	evaluations map[Key]*EvaluationResult
	syntheses   map[Key]*Synthesis
	statuses    map[Key]Status
	messages    map[Key]string

	byID map[string]*Recording // Download handles of current recordings

	mu sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		notes:          make(map[int]string),
		references:     make(map[int][]string),
		noteRecordings: make(map[int]*Recording),
		pageMessages:   make(map[int]string),
		recordings:     make(map[Key]*Recording),
		evaluations:    make(map[Key]*EvaluationResult),
		syntheses:      make(map[Key]*Synthesis),
		statuses:       make(map[Key]Status),
		messages:       make(map[Key]string),
		byID:           make(map[string]*Recording),
	}
}

// SetNote replaces the note of a page
func (s *Store) SetNote(page int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[page] = text
}

// Note returns the note of a page, or ""
func (s *Store) Note(page int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes[page]
}

// SetReference replaces every reference sentence of a page
func (s *Store) SetReference(page int, sentences []string) {
	owned := make([]string, len(sentences))
	copy(owned, sentences)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[page] = owned
}

// Reference returns a copy of the page's reference sentences
func (s *Store) Reference(page int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStrings(s.references[page])
}

// ReferenceLen returns the number of reference sentences of a page
func (s *Store) ReferenceLen(page int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.references[page])
}

// PagesWithoutReference lists pages in [1, pageCount] lacking a reference
func (s *Store) PagesWithoutReference(pageCount int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := []int{}
	for page := 1; page <= pageCount; page++ {
		if len(s.references[page]) == 0 {
			missing = append(missing, page)
		}
	}
	return missing
}

// PutRecording makes rec the recording of key, superseding the previous one
func (s *Store) PutRecording(key Key, rec *Recording) {
	owned := *rec
	owned.Key = key

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.recordings[key]; ok {
		delete(s.byID, prev.ID)
	}
	s.recordings[key] = &owned
	s.byID[owned.ID] = &owned
}

// PutNoteRecording keeps the latest dictation recording of a page
func (s *Store) PutNoteRecording(page int, rec *Recording) {
	owned := *rec
	owned.Key = Key{Page: page}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.noteRecordings[page]; ok {
		delete(s.byID, prev.ID)
	}
	s.noteRecordings[page] = &owned
	s.byID[owned.ID] = &owned
}

// NoteRecording returns the latest dictation recording of a page, or nil
func (s *Store) NoteRecording(page int) *Recording {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecording(s.noteRecordings[page])
}

// RecordingByID resolves a download handle of a current recording
func (s *Store) RecordingByID(id string) (*Recording, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	return copyRecording(rec), ok
}

// PutEvaluation makes res the evaluation of key and clears its message
func (s *Store) PutEvaluation(key Key, res *EvaluationResult) {
	owned := *res
	owned.MismatchedTokens = copyStrings(res.MismatchedTokens)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluations[key] = &owned
	delete(s.messages, key)
}

// PutSynthesis stores reference audio for key
func (s *Store) PutSynthesis(key Key, syn *Synthesis) {
	owned := *syn

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syntheses[key] = &owned
}

// Synthesis returns the reference audio of key, or nil
func (s *Store) Synthesis(key Key) *Synthesis {
	s.mu.RLock()
	defer s.mu.RUnlock()

	syn, ok := s.syntheses[key]
	if !ok {
		return nil
	}
	out := *syn
	return &out
}

// SetStatus records the progress of key
func (s *Store) SetStatus(key Key, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = status
}

// Status returns the progress of key, StatusIdle when unknown
func (s *Store) Status(key Key) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked(key)
}

// SetMessage records a user-visible message for key. An empty message clears it.
func (s *Store) SetMessage(key Key, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg == "" {
		delete(s.messages, key)
		return
	}
	s.messages[key] = msg
}

// SetPageMessage records a user-visible message about the page's note or
// translation. It never touches the messages of the page's units. An empty
// message clears it.
func (s *Store) SetPageMessage(page int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg == "" {
		delete(s.pageMessages, page)
		return
	}
	s.pageMessages[page] = msg
}

// PageMessage returns the page-level message, or ""
func (s *Store) PageMessage(page int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageMessages[page]
}

// Get returns everything stored for (page, sentence)
func (s *Store) Get(page, sentence int) Unit {
	key := Key{Page: page, Sentence: sentence}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ref := copyStrings(s.references[page])
	unit := Unit{
		Key:         key,
		Note:        s.notes[page],
		Reference:   ref,
		Recording:   copyRecording(s.recordings[key]),
		Status:      s.statusLocked(key),
		Message:     s.messages[key],
		PageMessage: s.pageMessages[page],
	}
	if sentence >= 0 && sentence < len(ref) {
		unit.ReferenceSentence = ref[sentence]
	}
	if eval, ok := s.evaluations[key]; ok {
		out := *eval
		out.MismatchedTokens = copyStrings(eval.MismatchedTokens)
		unit.Evaluation = &out
	}
	if syn, ok := s.syntheses[key]; ok {
		out := *syn
		unit.Synthesis = &out
	}

	return unit
}

func (s *Store) statusLocked(key Key) Status {
	if st, ok := s.statuses[key]; ok {
		return st
	}
	return StatusIdle
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyRecording(rec *Recording) *Recording {
	if rec == nil {
		return nil
	}
	out := *rec
	return &out
}
