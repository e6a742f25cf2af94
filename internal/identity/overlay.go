package identity

import (
	"context"

	"github.com/JonMunkholm/scah/internal/storage"
)

// Overlay is a Lookup that sees persons a batch would create or enrich
// before they exist in storage. Preview uses it so two rows sharing a
// document resolve the same way they will on commit. Provisional persons get
// negative ids.
//
// An Overlay belongs to one batch and is not safe for concurrent use.
type Overlay struct {
	base       Lookup
	nationalID map[string]*storage.Person
	passport   map[string]*storage.Person
	nextID     int64
}

// NewOverlay wraps base.
func NewOverlay(base Lookup) *Overlay {
	return &Overlay{
		base:       base,
		nationalID: make(map[string]*storage.Person),
		passport:   make(map[string]*storage.Person),
	}
}

// PersonByNationalID implements Lookup.
func (o *Overlay) PersonByNationalID(ctx context.Context, doc string) (*storage.Person, error) {
	if p, ok := o.nationalID[doc]; ok {
		return p, nil
	}
	return o.base.PersonByNationalID(ctx, doc)
}

// PersonByPassport implements Lookup.
func (o *Overlay) PersonByPassport(ctx context.Context, doc string) (*storage.Person, error) {
	if p, ok := o.passport[doc]; ok {
		return p, nil
	}
	return o.base.PersonByPassport(ctx, doc)
}

// Add records a person the batch would create and returns it with its
// provisional id.
func (o *Overlay) Add(p storage.Person) storage.Person {
	o.nextID--
	p.ID = o.nextID
	p.Active = true
	o.Put(p)
	return p
}

// Put makes p visible under its documents, shadowing the stored version.
func (o *Overlay) Put(p storage.Person) {
	stored := p
	if p.NationalID != nil {
		o.nationalID[*p.NationalID] = &stored
	}
	if p.Passport != nil {
		o.passport[*p.Passport] = &stored
	}
}

// Provisional reports whether id was assigned by Add.
func Provisional(id int64) bool { return id < 0 }
