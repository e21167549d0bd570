package decision

import (
	"sync"
	"time"
)

// Preference is a learned association between a user, a question type, and a
// preferred option.
type Preference struct {
	OptionID   string    `json:"option_id"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	// initialPreferenceConfidence is assigned on the first acceptance. It sits
	// below the auto-apply threshold so a single acceptance is not enough.
	initialPreferenceConfidence = 0.6

	// reinforceStep is added on each subsequent acceptance of the same option.
	reinforceStep = 0.1

	// overrideConfidence is assigned when the user explicitly corrects a
	// decision, which is a stronger signal than passive acceptance.
	overrideConfidence = 0.9
)

// PreferenceStore holds learned user preferences keyed by user and question
// type. It is safe for concurrent use.
type PreferenceStore struct {
	mutex       sync.RWMutex
	preferences map[string]Preference
}

// NewPreferenceStore creates an empty preference store.
func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{preferences: map[string]Preference{}}
}

func preferenceKey(userID, questionType string) string {
	return userID + "/" + questionType
}

// Get returns the stored preference for a user and question type.
func (s *PreferenceStore) Get(userID, questionType string) (Preference, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	pref, ok := s.preferences[preferenceKey(userID, questionType)]
	return pref, ok
}

// Set stores a preference directly, replacing any existing one.
func (s *PreferenceStore) Set(userID, questionType string, pref Preference) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pref.UpdatedAt = time.Now()
	s.preferences[preferenceKey(userID, questionType)] = pref
}

// Reinforce strengthens the preference for an accepted option. Accepting a
// different option than the stored one restarts the preference at the initial
// confidence.
func (s *PreferenceStore) Reinforce(userID, questionType, optionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := preferenceKey(userID, questionType)
	pref, ok := s.preferences[key]
	if !ok || pref.OptionID != optionID {
		pref = Preference{OptionID: optionID, Confidence: initialPreferenceConfidence}
	} else {
		pref.Confidence += reinforceStep
		if pref.Confidence > 1.0 {
			pref.Confidence = 1.0
		}
	}
	pref.UpdatedAt = time.Now()
	s.preferences[key] = pref
}

// Override records a user correction as the new preferred option.
func (s *PreferenceStore) Override(userID, questionType, optionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.preferences[preferenceKey(userID, questionType)] = Preference{
		OptionID:   optionID,
		Confidence: overrideConfidence,
		UpdatedAt:  time.Now(),
	}
}
