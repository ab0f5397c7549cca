package storage

import (
	"sync"

	"booksync/domain"
)

// BookStorage indexes the live order books by venue and symbol so snapshots
// can be served outside the owning connection loops. Books themselves guard
// their own state; the storage only guards the index.
type BookStorage struct {
	mu      sync.RWMutex
	storage map[string]map[string]*domain.OrderBook
}

func NewBookStorage() *BookStorage {
	return &BookStorage{
		storage: make(map[string]map[string]*domain.OrderBook),
	}
}

func (s *BookStorage) Add(book *domain.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.storage[book.Venue]; !ok {
		s.storage[book.Venue] = make(map[string]*domain.OrderBook)
	}
	s.storage[book.Venue][book.Symbol.String()] = book
}

func (s *BookStorage) Get(venue string, symbol *domain.MarketSymbol) (*domain.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books, ok := s.storage[venue]
	if !ok {
		return nil, domain.ErrVenueNotFound
	}
	book, ok := books[symbol.String()]
	if !ok {
		return nil, domain.ErrBookNotFound
	}
	return book, nil
}

func (s *BookStorage) Remove(venue string, symbol *domain.MarketSymbol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if books, ok := s.storage[venue]; ok {
		delete(books, symbol.String())
	}
}

func (s *BookStorage) Count(venue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.storage[venue])
}
