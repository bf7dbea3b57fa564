package assembly

import (
	"context"

	"github.com/rendis/stagecraft/pkg/schema"
)

// CreatorService turns dependency blobs into node definitions. Resolve
// receives the whole pending set and may ignore blobs it does not own.
type CreatorService interface {
	Name() string
	Kinds() []string
	Resolve(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error)
}

// ResolveFunc is the resolution logic of a FuncService.
type ResolveFunc func(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error)

// FuncService adapts a function into a CreatorService.
type FuncService struct {
	name    string
	kinds   []string
	resolve ResolveFunc
}

// NewService builds an in-process creator service.
func NewService(name string, kinds []string, fn ResolveFunc) *FuncService {
	return &FuncService{name: name, kinds: kinds, resolve: fn}
}

func (s *FuncService) Name() string    { return s.name }
func (s *FuncService) Kinds() []string { return s.kinds }

func (s *FuncService) Resolve(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error) {
	return s.resolve(ctx, req)
}

// Supports reports whether s declares any of kinds.
func Supports(s CreatorService, kinds []string) bool {
	for _, own := range s.Kinds() {
		for _, k := range kinds {
			if own == k {
				return true
			}
		}
	}
	return false
}

// selectServices returns the services that support at least one kind.
func selectServices(services []CreatorService, kinds []string) []CreatorService {
	var out []CreatorService
	for _, s := range services {
		if Supports(s, kinds) {
			out = append(out, s)
		}
	}
	return out
}
