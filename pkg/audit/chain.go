package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// GenesisHash is the hash_prev of the first event of a trail.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"
)

// maxEventLine bounds a single JSONL record.
const maxEventLine = 1 << 20

// link validates e and chains it after prev: hash = SHA-256(canonical || prev).
func (e *Event) link(prev string) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	e.HashPrev = prev
	h, err := e.chainHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// chainHash recomputes the hash of e from its content and HashPrev.
func (e *Event) chainHash() (string, error) {
	canonical, err := e.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}
	sum := sha256.New()
	_, _ = sum.Write(canonical)
	_, _ = sum.Write([]byte(e.HashPrev))
	return HashPrefix + hex.EncodeToString(sum.Sum(nil)), nil
}

// eachEvent decodes every non-blank JSONL line of r, passing the 1-based line
// number. It stops at the first error returned by fn.
func eachEvent(r io.Reader, fn func(line int, e *Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		if err := fn(line, &e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}
	return nil
}

// VerifyEvents checks the hash chain of a JSONL trail read from r. It returns
// the number of events verified before the first break.
func VerifyEvents(r io.Reader) (int, error) {
	n := 0
	prev := GenesisHash
	err := eachEvent(r, func(line int, e *Event) error {
		if e.HashPrev != prev {
			return fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s", line, prev, e.HashPrev)
		}
		want, err := e.chainHash()
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if e.Hash != want {
			return fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", line, want, e.Hash)
		}
		prev = e.Hash
		n++
		return nil
	})
	return n, err
}

// lastHash returns the hash of the final event of r, or GenesisHash for an
// empty trail. The chain itself is not verified.
func lastHash(r io.Reader) (string, error) {
	last := GenesisHash
	err := eachEvent(r, func(line int, e *Event) error {
		if e.Hash == "" {
			return fmt.Errorf("line %d: event has no hash", line)
		}
		last = e.Hash
		return nil
	})
	return last, err
}
