// Package nostrmsg decodes and serializes the client-relay wire protocol:
// REQ, CLOSE, EVENT inbound; EVENT, EOSE, NOTICE, OK outbound.
package nostrmsg

import "github.com/nbd-wtf/go-nostr/nip19"

// Event is a Nostr event as carried on the wire.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// FirstTagValue returns the second element of the first tag whose first
// element equals name. Only the first matching tag is consulted: if it
// has no second element the value is absent, even when a later tag with
// the same name does carry one.
func (e *Event) FirstTagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			if len(tag) < 2 {
				return "", false
			}
			return tag[1], true
		}
	}
	return "", false
}

// TagCount returns the number of tags whose first element equals name.
func (e *Event) TagCount(name string) int {
	n := 0
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			n++
		}
	}
	return n
}

// HasTag reports whether any tag's first element equals name.
func (e *Event) HasTag(name string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return true
		}
	}
	return false
}

// Npub returns the bech32 npub encoding of PubKey, and false if PubKey is
// not valid hex.
func (e *Event) Npub() (string, bool) {
	npub, err := nip19.EncodePublicKey(e.PubKey)
	if err != nil {
		return "", false
	}
	return npub, true
}

