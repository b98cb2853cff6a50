package transport

import (
	"strings"
	"sync"

	"github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
)

// subscriptions records filters requested by user, for resubscribe and
// for dropping deliveries matched only by wire filter.
type subscriptions struct {
	sync.Mutex
	tree  *topic.Tree
	order []subscription
}

type subscription struct {
	filter string
	qos    QOS
}

func newSubscriptions() *subscriptions {
	return &subscriptions{tree: topic.NewStandardTree()}
}

// add returns false if filter was already recorded with same qos.
func (s *subscriptions) add(filter string, qos QOS) (bool, error) {
	if _, err := topic.Parse(filter, true); err != nil {
		return false, errors.NotValidf("topic filter=%q err=%v", filter, err)
	}
	s.Lock()
	defer s.Unlock()
	for i, sub := range s.order {
		if sub.filter == filter {
			if sub.qos == qos {
				return false, nil
			}
			s.order[i].qos = qos
			return true, nil
		}
	}
	s.tree.Add(filter, filter)
	s.order = append(s.order, subscription{filter: filter, qos: qos})
	return true, nil
}

func (s *subscriptions) all() []subscription {
	s.Lock()
	defer s.Unlock()
	result := make([]subscription, len(s.order))
	copy(result, s.order)
	return result
}

// match reports whether base topic (without property bag) matches any recorded filter.
func (s *subscriptions) match(base string) bool {
	s.Lock()
	defer s.Unlock()
	return len(s.tree.Match(base)) != 0
}

func (s *subscriptions) reset() {
	s.Lock()
	defer s.Unlock()
	s.tree.Reset()
	s.order = nil
}

// wireFilters expands user filter so topics with property bag level still match.
func wireFilters(filter string) []string {
	if strings.HasSuffix(filter, "#") {
		return []string{filter}
	}
	return []string{filter, filter + "/+"}
}
