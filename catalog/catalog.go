// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic service names to service
// IDs for use with a fedpro.Client. Service names are not exchanged on the
// wire: each call payload begins with the big-endian uint32 ID of the service
// it addresses, followed by the opaque request data.
//
// # Usage
//
// Construct a new empty catalog and add services to it:
//
//	cat := catalog.New().Add("join", "resign", "publish")
//
// Add assigns service IDs to the specified names. To recover the assigned ID
// use the Lookup method:
//
//	id := cat.Lookup("join")
//
// If you want to choose the ID, use Set:
//
//	cat.Set("subscribe", 125)
//
// Service IDs are assigned systematically, so that repeating the same
// sequence of Add and Set calls will always result in the same IDs.
//
// To call services through a client, use Bind. This creates a copy of the
// catalog sharing the same services but a (possibly) different client:
//
//	rsp, err := cat.Bind(client).Call(ctx, "join", data)
//
// On the serving side, Handler builds a [fedtest.Handler] that dispatches
// each call to a handler by service ID.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/fedtest"
	"github.com/creachadair/fedpro/packet"
)

// A Catalog associates a client with a static mapping from service names to
// IDs for use with that client.
type Catalog struct {
	client   *fedpro.Client
	services map[string]uint32
}

// New creates a new empty, unbound catalog to map names to service IDs. It
// is safe to copy the resulting value, all copies share a reference to the
// same name to ID mapping.
func New() Catalog { return Catalog{services: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive IDs, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to serviceID in c, and returns c to allow chaining. If name
// was already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, serviceID uint32) Catalog {
	c.services[name] = serviceID
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.services {
		max = maxOf(max, id)
	}
	return max + 1
}

func maxOf(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Bind returns a copy of c bound to the specified client.
func (c Catalog) Bind(client *fedpro.Client) Catalog {
	return Catalog{client: client, services: c.services}
}

// Client returns the client associated with c, or nil if c is unbound.
func (c Catalog) Client() *fedpro.Client { return c.client }

// Lookup returns the service ID assigned to name, or 0.
//
// Note that the caller may Set a service with ID 0, but assigned IDs will
// always be positive, so a return value of 0 means name was not assigned an
// ID even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.services[name] }

// MustLookup returns the service ID assigned to name. It panics if name is
// not known in the catalog.
func (c Catalog) MustLookup(name string) uint32 {
	id, ok := c.services[name]
	if !ok {
		panic(fmt.Sprintf("service %q not known", name))
	}
	return id
}

// Call calls the service bound to name and waits for its response.
// If name is not known in the catalog, Call uses service ID 0.
// Call will panic if c is not bound to a client.
func (c Catalog) Call(ctx context.Context, name string, data []byte) ([]byte, error) {
	return c.client.Call(ctx, Payload(c.services[name], data))
}

// Send calls the service bound to name without waiting for its response.
// If name is not known in the catalog, Send uses service ID 0.
// Send will panic if c is not bound to a client.
func (c Catalog) Send(name string, data []byte) (*fedpro.PendingCall, error) {
	return c.client.Send(Payload(c.services[name], data))
}

// Payload encodes a call payload addressed to serviceID.
func Payload(serviceID uint32, data []byte) []byte {
	b := packet.NewBuilder(4 + len(data))
	b.Uint32(serviceID)
	b.Put(data...)
	return b.Bytes()
}

// ParsePayload splits a call payload into its service ID and request data.
func ParsePayload(payload []byte) (serviceID uint32, data []byte, err error) {
	s := packet.NewScanner(payload)
	serviceID, err = s.Uint32()
	if err != nil {
		return 0, nil, fmt.Errorf("invalid call payload: %w", err)
	}
	return serviceID, s.Rest(), nil
}

// Handler returns a [fedtest.Handler] that dispatches each call to the
// handler assigned to its service name in routes. A call for a service with
// no handler gets an empty response.
//
// Handler will panic if routes names a service not known by the catalog.
func (c Catalog) Handler(routes map[string]fedtest.Handler) fedtest.Handler {
	byID := make(map[uint32]fedtest.Handler, len(routes))
	for name, h := range routes {
		byID[c.MustLookup(name)] = h
	}
	return func(ctx context.Context, req []byte) []byte {
		id, data, err := ParsePayload(req)
		if err != nil {
			return nil
		}
		if h, ok := byID[id]; ok {
			return h(ctx, data)
		}
		return nil
	}
}

// Encode encodes c in binary format.
//
// The wire format of the catalog is a big-endian uint32 count, followed by
// the services in lexicographic order by name. Each service is encoded as a
// big-endian uint16 name length, the bytes of the name, and a big-endian
// uint32 service ID.
func (c Catalog) Encode() []byte {
	if len(c.services) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.services))
	nlen := 4
	for name := range c.services {
		names = append(names, name)
		nlen += 2 + len(name) + 4
	}
	sort.Strings(names)

	b := packet.NewBuilder(nlen)
	b.Uint32(uint32(len(names)))
	for _, name := range names {
		b.String16(name)
		b.Uint32(c.services[name])
	}
	return b.Bytes()
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.services == nil {
		c.services = make(map[string]uint32)
	} else {
		clear(c.services)
	}
	if len(data) == 0 {
		return nil
	}
	s := packet.NewScanner(data)
	n, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("truncated catalog: %w", err)
	}
	for i := range n {
		name, err := s.String16()
		if err != nil {
			return fmt.Errorf("service %d: invalid name: %w", i, err)
		}
		id, err := s.Uint32()
		if err != nil {
			return fmt.Errorf("service %d: invalid ID: %w", i, err)
		}
		c.services[name] = id
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data at offset %d", s.Offset())
	}
	return nil
}
