package tickets

import (
	"fmt"

	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
)

// Handler implements the per-type behaviour of a ticket: its rendering and
// the mapping of its extension payload to and from the side table row.
type Handler interface {
	Type() Type
	Render(t *Ticket, lang string) Summary
	// EncodeExtension validates t.Extension and returns the row to persist,
	// or nil when the type has no side table.
	EncodeExtension(t *Ticket) (db.Extension, error)
	DecodeExtension(row *db.TicketRow) (Extension, error)
}

// Registry maps ticket types to their handlers. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry panics on duplicate registrations: a broken registry is a
// configuration error.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[Type]Handler, len(handlers))}
	for _, h := range handlers {
		if _, ok := r.handlers[h.Type()]; ok {
			panic(fmt.Sprintf("ticket type %q registered twice", h.Type()))
		}
		r.handlers[h.Type()] = h
	}
	return r
}

// DefaultRegistry registers a handler for every known type and panics if
// one is missing.
func DefaultRegistry() *Registry {
	r := NewRegistry(
		newPlainHandler(TypeNote),
		&timedMuteHandler{},
		&muteHandler{},
		&unmuteHandler{},
		newPlainHandler(TypeBan),
		newPlainHandler(TypeUnban),
		newPlainHandler(TypePreban),
		newPlainHandler(TypeKick),
	)
	for _, t := range Types {
		r.MustLookup(t)
	}
	return r
}

func (r *Registry) Lookup(t Type) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", merrors.ErrUnregisteredType, t)
	}
	return h, nil
}

func (r *Registry) MustLookup(t Type) Handler {
	h, err := r.Lookup(t)
	if err != nil {
		panic(err)
	}
	return h
}
