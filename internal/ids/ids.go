// Package ids generates prefixed, time-sortable identifiers ("task_01h...") for persisted entities.
package ids

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity kind encoded in an id.
type Prefix string

const (
	PrefixTask        Prefix = "task"
	PrefixFreeze      Prefix = "frz"
	PrefixTransaction Prefix = "btx"
)

// New returns a fresh id for the prefix. It panics on an invalid prefix, which is a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("ids: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Validate checks that s is a well-formed id carrying the expected prefix.
func Validate(s string, prefix Prefix) error {
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("ids: parse %q: %w", s, err)
	}
	if got := tid.Prefix(); got != string(prefix) {
		return fmt.Errorf("ids: %q has prefix %q, want %q", s, got, prefix)
	}
	return nil
}
