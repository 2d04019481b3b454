package audit

import (
	"context"
	"sort"
	"time"
)

// Summary aggregates a slice of the audit log for the admin dashboard.
type Summary struct {
	Total     int            `json:"total"`
	Failures  int            `json:"failures"`
	ByAction  map[string]int `json:"by_action"`
	TopActors []ActorCount   `json:"top_actors"`
	First     *time.Time     `json:"first,omitempty"`
	Last      *time.Time     `json:"last,omitempty"`
}

// ActorCount is the number of events attributed to one actor.
type ActorCount struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role,omitempty"`
	Count     int    `json:"count"`
}

// DefaultTopActors is the TopActors length when Summarize gets top <= 0.
const DefaultTopActors = 10

// Summarize counts events matching f: per action, failures (outcome >= 400)
// and the top most active authenticated actors.
func Summarize(ctx context.Context, s Store, f Filter, top int) (Summary, error) {
	if top <= 0 {
		top = DefaultTopActors
	}
	sum := Summary{ByAction: map[string]int{}, TopActors: []ActorCount{}}
	actors := map[string]*ActorCount{}

	err := Walk(ctx, s, ListParams{Filter: f, Limit: MaxPageSize}, func(e Event) error {
		sum.Total++
		sum.ByAction[e.Action]++
		if e.Failed() {
			sum.Failures++
		}
		if e.ActorID != "" {
			ac, ok := actors[e.ActorID]
			if !ok {
				ac = &ActorCount{ActorID: e.ActorID, ActorRole: e.ActorRole}
				actors[e.ActorID] = ac
			}
			ac.Count++
		}

		ts := e.Timestamp
		if sum.First == nil {
			sum.First = &ts
		}
		sum.Last = &ts
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	for _, ac := range actors {
		sum.TopActors = append(sum.TopActors, *ac)
	}
	sort.Slice(sum.TopActors, func(i, j int) bool {
		a, b := sum.TopActors[i], sum.TopActors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ActorID < b.ActorID
	})
	if len(sum.TopActors) > top {
		sum.TopActors = sum.TopActors[:top]
	}
	return sum, nil
}
