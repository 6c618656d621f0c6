package queue

// EditVersion is one fork of a conversation at a particular user-message
// index: the conversation id it forked into and where its rollout is
// persisted.
type EditVersion struct {
	ConversationID string
	RolloutPath    string
}

// EditVersionGroup collects every version that forked from the same
// point in the original transcript, indexed by NthUserMessage (the
// position of the user message the fork edited). ActiveVersionIdx marks
// which version is currently being viewed/resumed.
type EditVersionGroup struct {
	NthUserMessage   int
	Versions         []EditVersion
	ActiveVersionIdx int
}

// EditVersionState tracks every fork group seen in a session, keyed by
// the transcript position each one forked from.
type EditVersionState struct {
	Groups []*EditVersionGroup
}

// NewEditVersionState returns an empty EditVersionState.
func NewEditVersionState() *EditVersionState {
	return &EditVersionState{}
}

func (s *EditVersionState) groupByNth(nth int) *EditVersionGroup {
	for _, g := range s.Groups {
		if g.NthUserMessage == nth {
			return g
		}
	}
	return nil
}

// GroupContaining finds the group one of whose versions is
// conversationID, if any.
func (s *EditVersionState) GroupContaining(conversationID string) (*EditVersionGroup, int) {
	for _, g := range s.Groups {
		for i, v := range g.Versions {
			if v.ConversationID == conversationID {
				return g, i
			}
		}
	}
	return nil, -1
}

// EnsureGroup returns the group for nth, creating one seeded with
// (conversationID, rolloutPath) as its sole, active version if none
// exists yet. A fork at a transcript position already forked before
// joins the existing group instead of starting a new one.
func (s *EditVersionState) EnsureGroup(nth int, conversationID, rolloutPath string) *EditVersionGroup {
	if g := s.groupByNth(nth); g != nil {
		return g
	}
	g := &EditVersionGroup{
		NthUserMessage: nth,
		Versions:       []EditVersion{{ConversationID: conversationID, RolloutPath: rolloutPath}},
	}
	s.Groups = append(s.Groups, g)
	return g
}

// AddVersion appends a new version to nth's group (creating it if
// necessary) and makes it the active one, matching a freshly confirmed
// backtrack-and-edit fork.
func (s *EditVersionState) AddVersion(nth int, conversationID, rolloutPath string) *EditVersionGroup {
	g := s.EnsureGroup(nth, conversationID, rolloutPath)
	if g.Versions[g.ActiveVersionIdx].ConversationID == conversationID {
		return g
	}
	g.Versions = append(g.Versions, EditVersion{ConversationID: conversationID, RolloutPath: rolloutPath})
	g.ActiveVersionIdx = len(g.Versions) - 1
	return g
}

// SwitchVersion moves conversationID's group active_version_idx by
// direction (-1 previous, +1 next, 0 stay), clamped at either end rather
// than wrapping — matching the TUI's bounded Alt+Left/Alt+Right behavior,
// which simply does nothing past the first or last version instead of
// cycling. It reports the group and the rollout path to resume from;
// ok is false if conversationID belongs to no group, the group has only
// one version, or the move is out of range.
func (s *EditVersionState) SwitchVersion(conversationID string, direction int) (group *EditVersionGroup, rolloutPath string, ok bool) {
	g, currentIdx := s.GroupContaining(conversationID)
	if g == nil || len(g.Versions) <= 1 {
		return nil, "", false
	}

	targetIdx := currentIdx + direction
	if targetIdx < 0 || targetIdx >= len(g.Versions) {
		return nil, "", false
	}
	if targetIdx == currentIdx {
		return g, g.Versions[currentIdx].RolloutPath, true
	}

	g.ActiveVersionIdx = targetIdx
	return g, g.Versions[targetIdx].RolloutPath, true
}
