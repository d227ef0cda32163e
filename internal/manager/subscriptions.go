package manager

import (
	"sync"
)

// subKey scopes interest per symbol and subscription type.
type subKey struct {
	symbol  string
	subType string
}

// router tracks which connections are interested in which symbols so the
// upstream gateway sees one subscribe per symbol, not one per consumer.
type router struct {
	mu       sync.Mutex
	interest map[subKey]map[connKey]struct{}
}

func newRouter() *router {
	return &router{interest: make(map[subKey]map[connKey]struct{})}
}

// add registers interest and reports whether this was the first subscriber,
// i.e. whether an upstream subscribe must be forwarded.
func (r *router) add(symbol, subType string, ck connKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{symbol: symbol, subType: subType}
	set, ok := r.interest[k]
	if !ok {
		set = make(map[connKey]struct{})
		r.interest[k] = set
	}
	first := len(set) == 0
	set[ck] = struct{}{}
	return first
}

// remove drops interest and reports whether no subscriber remains, i.e.
// whether an upstream unsubscribe must be forwarded.
func (r *router) remove(symbol, subType string, ck connKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{symbol: symbol, subType: subType}
	set, ok := r.interest[k]
	if !ok {
		return false
	}
	if _, had := set[ck]; !had {
		return false
	}
	delete(set, ck)
	if len(set) == 0 {
		delete(r.interest, k)
		return true
	}
	return false
}

// dropConn removes a disconnecting connection from every symbol and returns
// the subscriptions left with no interest.
func (r *router) dropConn(ck connKey) []subKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var orphaned []subKey
	for k, set := range r.interest {
		if _, ok := set[ck]; !ok {
			continue
		}
		delete(set, ck)
		if len(set) == 0 {
			delete(r.interest, k)
			orphaned = append(orphaned, k)
		}
	}
	return orphaned
}
