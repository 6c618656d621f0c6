package queue

// Editing reports whether an edit is currently in progress.
func (q *Queue) Editing() bool { return q.edit != nil }

// EditingID returns the id of the entry currently being edited, if any.
func (q *Queue) EditingID() (uint64, bool) {
	if q.edit == nil {
		return 0, false
	}
	return q.edit.SelectedID, true
}

// BeginEdit captures composer as the pre-edit snapshot to restore on
// exit and enters edit mode on id. It refuses to start a second
// concurrent edit, to edit an id that isn't queued, or to edit an empty
// queue.
func (q *Queue) BeginEdit(id uint64, composer ComposerSnapshot) bool {
	if q.edit != nil || len(q.messages) == 0 || q.indexOf(id) < 0 {
		return false
	}
	q.edit = &EditState{
		SelectedID:         id,
		ComposerBeforeEdit: composer,
		Drafts:             make(map[uint64]Draft),
	}
	return true
}

// DraftFor returns the best available draft for id: an in-progress draft
// if one was autosaved, otherwise the committed queue entry's own text
// and overrides, otherwise false if id isn't queued at all.
func (q *Queue) DraftFor(id uint64) (Draft, bool) {
	if q.edit != nil {
		if d, ok := q.edit.Drafts[id]; ok {
			return d, true
		}
	}
	idx := q.indexOf(id)
	if idx < 0 {
		return Draft{}, false
	}
	m := q.messages[idx]
	return Draft{Text: m.Text, Attachments: m.Attachments, ModelOverride: m.ModelOverride, EffortOverride: m.EffortOverride}, true
}

// SaveDraft autosaves the composer's current content against id. It is a
// no-op if no edit is in progress.
func (q *Queue) SaveDraft(id uint64, draft Draft) {
	if q.edit == nil {
		return
	}
	q.edit.Drafts[id] = draft
}

// SwitchEdit autosaves currentDraft against the entry being left, then
// moves the selection by direction (+1 next, -1 previous) with
// wraparound, matching the TUI's Alt+Up/Alt+Down behavior. It returns
// the newly-selected id and the draft the composer should be loaded
// with. An empty queue, or no active edit, is a no-op returning
// ok=false; in a one-entry queue the selection wraps back to that same
// entry and its just-saved draft is returned with ok=true.
func (q *Queue) SwitchEdit(direction int, currentDraft Draft) (nextID uint64, next Draft, ok bool) {
	if q.edit == nil || len(q.messages) == 0 {
		return 0, Draft{}, false
	}
	q.SaveDraft(q.edit.SelectedID, currentDraft)

	idx := q.indexOf(q.edit.SelectedID)
	if idx < 0 {
		return 0, Draft{}, false
	}

	n := len(q.messages)
	nextIdx := ((idx+direction)%n + n) % n
	id := q.messages[nextIdx].ID
	q.edit.SelectedID = id

	draft, _ := q.DraftFor(id)
	return id, draft, true
}

// ExitEdit leaves edit mode. When save is true, currentDraft is saved
// against the entry being left and every accumulated draft is merged
// back into the committed queue entries it corresponds to; when save is
// false, every draft (including currentDraft) is discarded and the
// queue entries are left exactly as they were before BeginEdit. Either
// way it returns the composer snapshot captured at BeginEdit, for the
// caller to restore.
func (q *Queue) ExitEdit(save bool, currentDraft Draft) (ComposerSnapshot, bool) {
	if q.edit == nil {
		return ComposerSnapshot{}, false
	}
	state := q.edit
	q.edit = nil

	if save {
		state.Drafts[state.SelectedID] = currentDraft
		for i := range q.messages {
			if d, ok := state.Drafts[q.messages[i].ID]; ok {
				q.messages[i].Text = d.Text
				q.messages[i].Attachments = d.Attachments
				q.messages[i].ModelOverride = d.ModelOverride
				q.messages[i].EffortOverride = d.EffortOverride
			}
		}
	}

	return state.ComposerBeforeEdit, true
}
