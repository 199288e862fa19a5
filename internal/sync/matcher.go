package sync

import (
	"net/mail"
	"slices"
	"strings"
)

// NormalizeAddress reduces an address header value to a bare lower-case
// address. Display names and angle brackets are dropped.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	} else {
		s = strings.Trim(s, "<>\" ")
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// ClientIndex maps normalized addresses to client ids. It is built once per run.
type ClientIndex struct {
	byAddress map[string][]int64
}

// BuildClientIndex indexes every non-empty client address
func BuildClientIndex(addrs []ClientAddress) *ClientIndex {
	idx := &ClientIndex{byAddress: make(map[string][]int64, len(addrs))}
	for _, a := range addrs {
		key := NormalizeAddress(a.Email)
		if key == "" {
			continue
		}
		ids := idx.byAddress[key]
		if !slices.Contains(ids, a.ClientID) {
			ids = append(ids, a.ClientID)
			slices.Sort(ids)
			idx.byAddress[key] = ids
		}
	}
	return idx
}

// Len returns the number of distinct addresses
func (idx *ClientIndex) Len() int {
	return len(idx.byAddress)
}

// Lookup returns every client id sharing addr, lowest first
func (idx *ClientIndex) Lookup(addr string) []int64 {
	return idx.byAddress[NormalizeAddress(addr)]
}

// Match is the outcome of matching one message
type Match struct {
	ClientID   int64
	Address    string  // normalized counterpart address
	Candidates []int64 // more than one entry when clients share the address
}

// Ambiguous reports whether several clients share the matched address
func (m Match) Ambiguous() bool {
	return len(m.Candidates) > 1
}

// Counterpart returns the non-owner side of msg: the sender for inbound mail,
// the primary recipient when mailbox sent it.
func Counterpart(msg FetchedMessage, mailbox string) string {
	from := NormalizeAddress(msg.From)
	owner := NormalizeAddress(mailbox)
	if owner != "" && from == owner {
		for _, to := range msg.To {
			if addr := NormalizeAddress(to); addr != "" {
				return addr
			}
		}
		return ""
	}
	return from
}

// MatchClient maps msg to a client by its counterpart address. With several
// candidates the lowest client id wins.
func MatchClient(msg FetchedMessage, mailbox string, idx *ClientIndex) (Match, bool) {
	addr := Counterpart(msg, mailbox)
	if addr == "" || idx == nil {
		return Match{Address: addr}, false
	}
	ids := idx.byAddress[addr]
	if len(ids) == 0 {
		return Match{Address: addr}, false
	}
	return Match{ClientID: ids[0], Address: addr, Candidates: ids}, true
}
