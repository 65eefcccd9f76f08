// Package engagement runs the lifecycle of a user's engagement with a
// workflow collection: when the collection gains focus an engagement is
// loaded and then created, closed and recreated, reused or retrieved until
// one is ready for step navigation.
package engagement

import (
	"time"

	"github.com/pitabwire/workwell/model"
)

// State is a lifecycle state.
type State int

// Lifecycle states.
const (
	Idle State = iota
	Loading
	Creating
	Closing
	Reusing
	Retrieving
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Creating:
		return "creating"
	case Closing:
		return "closing"
	case Reusing:
		return "reusing"
	case Retrieving:
		return "retrieving"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// EffectKind names a remote operation the lifecycle asks for.
type EffectKind int

// Effect kinds.
const (
	LoadEngagement EffectKind = iota
	ResolveCollection
	CreateEngagement
	UpdateEngagement
	RetrieveEngagement
)

func (k EffectKind) String() string {
	switch k {
	case LoadEngagement:
		return "load_engagement"
	case ResolveCollection:
		return "resolve_collection"
	case CreateEngagement:
		return "create_engagement"
	case UpdateEngagement:
		return "update_engagement"
	case RetrieveEngagement:
		return "retrieve_engagement"
	default:
		return "unknown"
	}
}

// Effect is a remote operation to perform. Engagement is the URL of the
// engagement to update or retrieve.
type Effect struct {
	Kind       EffectKind
	Collection string
	Engagement string
	Started    *time.Time
	Finished   *time.Time
}

// EventKind names something that happened to a session.
type EventKind int

// Event kinds.
const (
	Focused EventKind = iota
	Loaded
	CollectionResolved
	Succeeded
	Failed
	Blurred
)

func (k EventKind) String() string {
	switch k {
	case Focused:
		return "focused"
	case Loaded:
		return "loaded"
	case CollectionResolved:
		return "collection_resolved"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Blurred:
		return "blurred"
	default:
		return "unknown"
	}
}

// Event is fed to Transition. Effect identifies the operation a Succeeded
// or Failed event settles. For Loaded, a nil Engagement means the user has
// none.
type Event struct {
	Kind       EventKind
	Effect     EffectKind
	Collection string
	Engagement *model.Engagement
	Resolved   *model.WorkflowCollection
	Err        error
	At         time.Time
}

// Snapshot is the full lifecycle state of one session.
type Snapshot struct {
	State State
	// Checked is set once the load has answered, even when no engagement
	// was found.
	Checked    bool
	Collection string
	Engagement *model.Engagement
	Resolved   *model.WorkflowCollection
	Err        error
}

// Transition applies e to s and returns the new snapshot along with the
// effects to run. It does no I/O.
func Transition(s Snapshot, e Event) (Snapshot, []Effect) {
	if e.Kind == Blurred {
		return Snapshot{State: Idle, Collection: s.Collection}, nil
	}
	if e.Kind == Failed {
		if s.State == Idle || s.State == Ready {
			return s, nil
		}
		s.Err = e.Err
		return s, nil
	}

	switch s.State {
	case Idle:
		if e.Kind != Focused {
			return s, nil
		}
		return load(e.Collection)

	case Ready:
		// A finished engagement is never handed out again.
		if e.Kind == Focused && s.Engagement != nil && s.Engagement.Finished != nil {
			return load(s.Collection)
		}

	case Loading:
		switch e.Kind {
		case Loaded:
			s.Checked = true
			s.Engagement = e.Engagement
		case CollectionResolved:
			s.Resolved = e.Resolved
		default:
			return s, nil
		}
		return decide(s, e.At)

	case Closing:
		if e.Kind == Succeeded && e.Effect == UpdateEngagement {
			s.State = Creating
			s.Engagement = nil
			started := e.At
			return s, []Effect{{Kind: CreateEngagement, Collection: s.Collection, Started: &started}}
		}

	case Creating:
		if e.Kind == Succeeded && e.Effect == CreateEngagement {
			return ready(s, e.Engagement), nil
		}

	case Reusing:
		if e.Kind == Succeeded && e.Effect == UpdateEngagement {
			return ready(s, e.Engagement), nil
		}

	case Retrieving:
		if e.Kind == Succeeded && e.Effect == RetrieveEngagement {
			return ready(s, e.Engagement), nil
		}
	}
	return s, nil
}

func load(collection string) (Snapshot, []Effect) {
	return Snapshot{State: Loading, Collection: collection}, []Effect{
		{Kind: LoadEngagement, Collection: collection},
		{Kind: ResolveCollection, Collection: collection},
	}
}

func ready(s Snapshot, e *model.Engagement) Snapshot {
	s.State = Ready
	if e != nil {
		s.Engagement = e
	}
	return s
}

// decide picks what to do with the loaded engagement once both the load and
// the collection metadata have answered.
func decide(s Snapshot, now time.Time) (Snapshot, []Effect) {
	if !s.Checked || s.Resolved == nil {
		return s, nil
	}

	if s.Engagement == nil {
		s.State = Creating
		return s, []Effect{{Kind: CreateEngagement, Collection: s.Collection, Started: &now}}
	}

	url := s.Engagement.URL()
	if !s.Resolved.IsActivity() {
		s.State = Retrieving
		return s, []Effect{{Kind: RetrieveEngagement, Collection: s.Collection, Engagement: url}}
	}
	if s.Engagement.HasDetails() {
		s.State = Closing
		return s, []Effect{{Kind: UpdateEngagement, Collection: s.Collection, Engagement: url, Finished: &now}}
	}
	s.State = Reusing
	return s, []Effect{{Kind: UpdateEngagement, Collection: s.Collection, Engagement: url, Started: &now}}
}
