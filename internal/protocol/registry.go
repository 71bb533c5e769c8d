package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Session is the per-connection state handle local handlers receive. The
// concrete type is owned by the session manager.
type Session interface {
	ID() string
	IsRegistered() bool
	SetRegistered(v bool)
	Send(ctx context.Context, frame any) error
	Set(key string, value any)
	Get(key string) (any, bool)
}

// ResponseHandler delivers a local handler's result back to the client. A
// non-nil err produces an error frame echoing the original request; otherwise
// data becomes the object of a message frame.
type ResponseHandler func(err error, data any)

// HandlerFunc executes a verb in-process instead of forwarding it to a
// platform listener.
type HandlerFunc func(ctx context.Context, req Request, sess Session, respond ResponseHandler)

// PingState tracks the last liveness round for a remote platform. Both
// timestamps are read and written without further locking; the comparison is
// advisory.
type PingState struct {
	lastSent     atomic.Int64
	lastReceived atomic.Int64
}

// MarkSent records the start of a ping round and reports the platform as
// pending until a response arrives.
func (p *PingState) MarkSent(now int64) { p.lastSent.Store(now) }

// MarkReceived records a ping or ping-response from the platform.
func (p *PingState) MarkReceived(now int64) { p.lastReceived.Store(now) }

// LastReceived returns the timestamp of the most recent response, 0 if the
// platform has never answered.
func (p *PingState) LastReceived() int64 { return p.lastReceived.Load() }

// Pending reports whether the most recent ping round is still unanswered.
func (p *PingState) Pending() bool { return p.lastReceived.Load() < p.lastSent.Load() }

// Verb is one action defined under a platform.
type Verb struct {
	Name   string
	Schema *jsonschema.Schema
	Func   HandlerFunc // nil for queue-forwarded verbs
}

// Platform is a named integration module owning a verb set.
type Platform struct {
	Name  string
	Local bool
	Verbs map[string]*Verb
	Ping  PingState // unused for local platforms
}

// RouteKind distinguishes in-process verbs from queue-forwarded ones.
type RouteKind int

const (
	// RouteLocal executes the verb's handler in-process.
	RouteLocal RouteKind = iota
	// RouteQueue pushes the serialized request to the platform listener's
	// incoming channel.
	RouteQueue
)

// Route says where a validated request goes.
type Route struct {
	Kind RouteKind
	Func HandlerFunc // set when Kind == RouteLocal
}

// Route resolves the dispatch route for a verb. ok is false when the verb is
// not defined under the platform.
func (p *Platform) Route(verb string) (Route, bool) {
	v, ok := p.Verbs[verb]
	if !ok {
		return Route{}, false
	}
	if v.Func != nil {
		return Route{Kind: RouteLocal, Func: v.Func}, true
	}
	return Route{Kind: RouteQueue}, true
}

// Registry is the in-memory catalog of platforms. It is immutable after init
// except for the per-platform ping timestamps.
type Registry struct {
	platforms map[string]*Platform
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]*Platform)}
}

// AddPlatform registers a platform. Adding an existing name returns the
// already-registered record so verbs can be layered on it.
func (r *Registry) AddPlatform(name string, local bool) *Platform {
	if p, ok := r.platforms[name]; ok {
		return p
	}
	p := &Platform{Name: name, Local: local, Verbs: make(map[string]*Verb)}
	r.platforms[name] = p
	return p
}

// AddVerb defines a verb under a platform with its JSON schema and optional
// local handler. The platform must already exist.
func (r *Registry) AddVerb(platform, verb string, schemaJSON []byte, fn HandlerFunc) error {
	p, ok := r.platforms[platform]
	if !ok {
		return fmt.Errorf("platform %q not registered", platform)
	}
	schema, err := compileSchema(platform, verb, schemaJSON)
	if err != nil {
		return err
	}
	p.Verbs[verb] = &Verb{Name: verb, Schema: schema, Func: fn}
	return nil
}

// Platform looks up a platform by name.
func (r *Registry) Platform(name string) (*Platform, bool) {
	p, ok := r.platforms[name]
	return p, ok
}

// Remotes returns the non-local platforms in name order.
func (r *Registry) Remotes() []*Platform {
	var out []*Platform
	for _, p := range r.platforms {
		if !p.Local {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all platform names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func compileSchema(platform, verb string, schemaJSON []byte) (*jsonschema.Schema, error) {
	if len(schemaJSON) == 0 {
		schemaJSON = []byte(`{}`)
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("sockethub://%s/%s.json", platform, verb)
	if err := c.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return nil, fmt.Errorf("schema for %s/%s: %w", platform, verb, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema for %s/%s: %w", platform, verb, err)
	}
	return schema, nil
}
