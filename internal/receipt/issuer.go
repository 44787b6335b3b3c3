// Package receipt issues the non-fungible donation receipts.
package receipt

import (
	"github.com/Klem/donation-tracker/internal/tracker"
)

// Token is one issued receipt.
type Token struct {
	ID    int64           `json:"id"`
	Owner tracker.Account `json:"owner"`
	URI   string          `json:"uri"`
}

// Minter issues sequential token ids starting at 1. Not safe for concurrent
// use; the engine is its only caller.
type Minter struct {
	nextID int64
	tokens map[int64]Token
}

func NewMinter() *Minter {
	return &Minter{nextID: 1, tokens: make(map[int64]Token)}
}

// Mint issues the next token to owner and returns its id.
func (m *Minter) Mint(owner tracker.Account, tokenURI string) (int64, error) {
	id := m.nextID
	m.nextID++
	m.tokens[id] = Token{ID: id, Owner: owner, URI: tokenURI}
	return id, nil
}

// Token returns an issued token by id.
func (m *Minter) Token(id int64) (Token, bool) {
	t, ok := m.tokens[id]
	return t, ok
}

// Supply returns how many tokens have been issued.
func (m *Minter) Supply() int64 {
	return m.nextID - 1
}

// Restore resets the minter so the next id follows the highest issued id.
// Replay re-issues tokens in order, so restoring after a snapshot only needs
// the issued set.
func (m *Minter) Restore(tokens []Token) {
	m.tokens = make(map[int64]Token, len(tokens))
	m.nextID = 1
	for _, t := range tokens {
		m.tokens[t.ID] = t
		if t.ID >= m.nextID {
			m.nextID = t.ID + 1
		}
	}
}

// Tokens returns all issued tokens in id order.
func (m *Minter) Tokens() []Token {
	out := make([]Token, 0, len(m.tokens))
	for id := int64(1); id < m.nextID; id++ {
		if t, ok := m.tokens[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
