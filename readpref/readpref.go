// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref provides the read preference value type consulted by
// the server selector.
package readpref

import (
	"errors"
	"time"

	"github.com/meridiandb/go-driver-core/description"
)

// Mode is a read preference mode.
type Mode int

// Read preference modes, in the order a driver would try them.
const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

func (m Mode) String() string {
	switch m {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}

// ErrInvalidTagSetsWithPrimary is returned when tag sets are combined with
// PrimaryMode, which the spec forbids: a primary is never selected by
// tags.
var ErrInvalidTagSetsWithPrimary = errors.New("read preference tag sets may not be used with primary mode")

// ErrInvalidMaxStalenessWithPrimary is likewise forbidden: staleness only
// applies to secondary reads.
var ErrInvalidMaxStalenessWithPrimary = errors.New("max staleness may not be used with primary mode")

// ReadPref describes how a read operation should select a server.
type ReadPref struct {
	mode         Mode
	tagSets      []description.TagSet
	maxStaleness time.Duration
	hedgeEnabled *bool
}

// New constructs a ReadPref in the given mode with options applied.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode {
		if len(rp.tagSets) > 0 {
			return nil, ErrInvalidTagSetsWithPrimary
		}
		if rp.maxStaleness != 0 {
			return nil, ErrInvalidMaxStalenessWithPrimary
		}
	}
	return rp, nil
}

// Primary returns the primary-mode read preference.
func Primary() *ReadPref {
	rp, _ := New(PrimaryMode)
	return rp
}

// Option configures a ReadPref.
type Option func(*ReadPref) error

// WithTagSets sets the tag sets consulted in order when a primary is not
// selected.
func WithTagSets(tagSets ...description.TagSet) Option {
	return func(rp *ReadPref) error {
		rp.tagSets = tagSets
		return nil
	}
}

// WithMaxStaleness bounds how far behind the primary's last write a
// secondary may lag and still be selected.
func WithMaxStaleness(d time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = d
		return nil
	}
}

// Mode returns the read preference mode.
func (r *ReadPref) Mode() Mode { return r.mode }

// TagSets returns the configured tag sets, tried in order.
func (r *ReadPref) TagSets() []description.TagSet { return r.tagSets }

// MaxStaleness returns the configured max staleness, or 0 if unset.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStaleness != 0
}
