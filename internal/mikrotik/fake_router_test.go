package mikrotik

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
)

var errLinkDown = errors.New("dial tcp: connection refused")

// fakeRouter is an in-memory RouterOS with a mangle table and connection table
type fakeRouter struct {
	mu          sync.Mutex
	mangle      []map[string]string
	nextID      int
	active      []map[string]string
	connections []map[string]string

	down    bool
	failAdd map[int]bool
	calls   int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{failAdd: make(map[int]bool)}
}

func (r *fakeRouter) Execute(ctx context.Context, command string, args ...string) ([]map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.down {
		return nil, errLinkDown
	}

	attrs := make(map[string]string)
	for _, a := range args {
		key, value, _ := strings.Cut(strings.TrimPrefix(a, "="), "=")
		attrs[key] = value
	}

	switch command {
	case "/ip/firewall/mangle/print":
		return copyRows(r.mangle), nil
	case "/ip/firewall/mangle/add":
		ttl, _ := strconv.Atoi(strings.TrimPrefix(attrs["ttl"], "equal:"))
		if r.failAdd[ttl] {
			return nil, &TrapError{Command: command, Message: "failure: out of memory"}
		}
		r.addRule(attrs)
		return []map[string]string{{"ret": "*" + strconv.Itoa(r.nextID)}}, nil
	case "/ip/firewall/mangle/remove":
		for i, rule := range r.mangle {
			if rule[".id"] == attrs[".id"] {
				r.mangle = append(r.mangle[:i], r.mangle[i+1:]...)
				return nil, nil
			}
		}
		return nil, &TrapError{Command: command, Message: "no such item"}
	case "/ppp/active/print":
		return copyRows(r.active), nil
	case "/ip/firewall/connection/print":
		return copyRows(r.connections), nil
	}
	return nil, &TrapError{Command: command, Message: "no such command"}
}

func (r *fakeRouter) addRule(attrs map[string]string) {
	r.nextID++
	rule := map[string]string{".id": "*" + strconv.Itoa(r.nextID)}
	for k, v := range attrs {
		rule[k] = v
	}
	r.mangle = append(r.mangle, rule)
}

// seed adds a rule directly, bypassing failure injection
func (r *fakeRouter) seed(attrs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addRule(attrs)
}

func (r *fakeRouter) rules() []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRows(r.mangle)
}

func (r *fakeRouter) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *fakeRouter) setFailAdd(ttl int, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAdd[ttl] = fail
}

func copyRows(rows []map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		c := make(map[string]string, len(row))
		for k, v := range row {
			c[k] = v
		}
		out = append(out, c)
	}
	return out
}

type fakeConnector map[uint]*fakeRouter

func (c fakeConnector) Executor(t Target) Executor {
	return c[t.ID]
}
