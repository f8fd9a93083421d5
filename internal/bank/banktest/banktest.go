// Package banktest provides an in-process fake of the bank ledger service
// for tests.
package banktest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

type hold struct {
	bankID string
	price  int64
}

// Server imitates the ledger wire protocol: balances, signed holds and the
// commit/cancel bookkeeping. Check ignores outstanding holds, Reserve does
// not.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	balances map[string]int64
	held     map[string]int64
	holds    map[int64]hold
	nextID   int64

	Committed [][]int64
	Canceled  [][]int64
}

func New() *Server {
	s := &Server{
		balances: make(map[string]int64),
		held:     make(map[string]int64),
		holds:    make(map[int64]hold),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/reserve", s.handleReserve)
	mux.HandleFunc("/commit", s.handleCommit)
	mux.HandleFunc("/cancel", s.handleCancel)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetBalance registers an account with the given balance.
func (s *Server) SetBalance(bankID string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[bankID] = v
}

func (s *Server) Balance(bankID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[bankID]
}

// Outstanding reports the number of unresolved holds. A non-zero value after
// a settlement pass means a reservation leaked.
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BankID string `json:"bank_id"`
		Price  int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[req.BankID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bank_id not found"})
		return
	}
	if req.Price > balance {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "credit is insufficient"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BankID string `json:"bank_id"`
		Price  int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[req.BankID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bank_id not found"})
		return
	}
	if req.Price < 0 && balance-s.held[req.BankID] < -req.Price {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "credit is insufficient"})
		return
	}
	if req.Price < 0 {
		s.held[req.BankID] += -req.Price
	}
	s.nextID++
	s.holds[s.nextID] = hold{bankID: req.BankID, price: req.Price}
	writeJSON(w, http.StatusOK, map[string]int64{"reserve_id": s.nextID})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		h, ok := s.holds[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "reserve_id not found"})
			return
		}
		delete(s.holds, id)
		if h.price < 0 {
			s.held[h.bankID] -= -h.price
		}
		s.balances[h.bankID] += h.price
	}
	s.Committed = append(s.Committed, ids)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		h, ok := s.holds[id]
		if !ok {
			continue
		}
		delete(s.holds, id)
		if h.price < 0 {
			s.held[h.bankID] -= -h.price
		}
	}
	s.Canceled = append(s.Canceled, ids)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func readIDs(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var req struct {
		ReserveIDs []int64 `json:"reserve_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return nil, false
	}
	return req.ReserveIDs, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
