package core

import (
	"slices"

	"github.com/dkeye/Meet/internal/domain"
)

const DefaultMaxSpotlights = 4

// spotlights is the ordered, bounded list of peers whose video clients
// should show. It only ever holds ids of active peers.
type spotlights struct {
	limit int
	ids   []domain.PeerID
}

func newSpotlights(limit int) *spotlights {
	if limit <= 0 {
		limit = DefaultMaxSpotlights
	}
	return &spotlights{limit: limit}
}

func (s *spotlights) list() []domain.PeerID { return slices.Clone(s.ids) }

// add appends id when there is room left.
func (s *spotlights) add(id domain.PeerID) bool {
	if len(s.ids) >= s.limit || slices.Contains(s.ids, id) {
		return false
	}
	s.ids = append(s.ids, id)
	return true
}

// remove drops id and backfills from candidates, which are in join order.
func (s *spotlights) remove(id domain.PeerID, candidates []domain.PeerID) bool {
	i := slices.Index(s.ids, id)
	if i < 0 {
		return false
	}
	s.ids = slices.Delete(s.ids, i, i+1)
	s.fill(candidates)
	return true
}

// set puts ids first, in the given order, then backfills. Ids that are not
// candidates are ignored.
func (s *spotlights) set(ids []domain.PeerID, candidates []domain.PeerID) bool {
	next := make([]domain.PeerID, 0, s.limit)
	for _, id := range ids {
		if len(next) == s.limit {
			break
		}
		if slices.Contains(candidates, id) && !slices.Contains(next, id) {
			next = append(next, id)
		}
	}
	prev := s.ids
	s.ids = next
	s.fill(candidates)
	return !slices.Equal(prev, s.ids)
}

func (s *spotlights) fill(candidates []domain.PeerID) {
	for _, id := range candidates {
		if len(s.ids) >= s.limit {
			return
		}
		if !slices.Contains(s.ids, id) {
			s.ids = append(s.ids, id)
		}
	}
}
