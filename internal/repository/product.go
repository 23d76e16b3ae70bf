package repository

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

type ProductRepository interface {
	Get(ctx context.Context, id string) (*domain.Product, error)
	List(ctx context.Context) ([]*domain.Product, error)
}

// InMemoryProductRepository serves an immutable product snapshot. Replace
// swaps the whole table; readers never see a partially applied reload.
type InMemoryProductRepository struct {
	snapshot atomic.Pointer[map[string]*domain.Product]
}

func NewInMemoryProductRepository(products map[string]*domain.Product) *InMemoryProductRepository {
	repo := &InMemoryProductRepository{}
	repo.Replace(products)
	return repo
}

func (r *InMemoryProductRepository) Get(_ context.Context, id string) (*domain.Product, error) {
	product, ok := (*r.snapshot.Load())[id]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("Product '%s' not found", id))
	}
	return product, nil
}

func (r *InMemoryProductRepository) List(_ context.Context) ([]*domain.Product, error) {
	snapshot := *r.snapshot.Load()
	products := make([]*domain.Product, 0, len(snapshot))
	for _, p := range snapshot {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *InMemoryProductRepository) Replace(products map[string]*domain.Product) {
	snapshot := make(map[string]*domain.Product, len(products))
	for id, p := range products {
		snapshot[id] = p
	}
	r.snapshot.Store(&snapshot)
}
